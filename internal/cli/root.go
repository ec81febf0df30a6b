// Package cli implements studioctl, the operator CLI of the story map studio.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	profilePath string
	serverFlag  string
	tokenFlag   string

	profile Profile
)

var rootCmd = &cobra.Command{
	Use:   "studioctl",
	Short: "Operate a story map studio deployment",
	Long: `studioctl runs maintenance tasks against a story map studio deployment:
schema migrations, orphaned photo sweeps, path checks and a realtime
autosave benchmark.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		p, err := LoadProfile(profilePath)
		if err != nil {
			return err
		}
		if serverFlag != "" {
			p.Server = serverFlag
		}
		if tokenFlag != "" {
			p.Token = tokenFlag
		}
		p.Server = strings.TrimRight(p.Server, "/")
		profile = p
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", DefaultProfilePath(), "profile file with connection defaults")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "studio server base URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token for studio endpoints")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(checkPathCmd)
	rootCmd.AddCommand(benchCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
