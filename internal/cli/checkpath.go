package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/storymap-studio/internal/site"
	"github.com/example/storymap-studio/internal/types"
)

var checkPathCmd = &cobra.Command{
	Use:   "check-path <path>",
	Short: "Check whether a site path can be claimed",
	Args:  cobra.ExactArgs(1),
	Run:   runCheckPath,
}

func runCheckPath(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	check, err := checkPath(ctx, http.DefaultClient, profile.Server, args[0])
	if err != nil {
		exitError("%v", err)
	}
	if check.Available {
		color.New(color.FgGreen).Printf("%s is available\n", check.Path)
		return
	}
	color.New(color.FgRed).Printf("%s is not available: %s\n", check.Path, check.Message)
}

// checkPath validates locally before asking the server so obviously invalid
// paths never leave the machine.
func checkPath(ctx context.Context, client *http.Client, server, path string) (site.PathCheck, error) {
	path = types.NormalizePath(path)
	if err := types.ValidatePath(path); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			return site.PathCheck{Path: path, Message: verr.Fields["path"]}, nil
		}
		return site.PathCheck{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/api/paths/"+url.PathEscape(path)+"/available", nil)
	if err != nil {
		return site.PathCheck{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return site.PathCheck{}, fmt.Errorf("check path: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return site.PathCheck{}, fmt.Errorf("check path: server returned %s", resp.Status)
	}

	var check site.PathCheck
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return site.PathCheck{}, fmt.Errorf("decode response: %w", err)
	}
	return check, nil
}
