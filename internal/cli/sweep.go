package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/config"
	"github.com/example/storymap-studio/internal/storage"
)

var (
	sweepDryRun bool
	sweepGrace  time.Duration
	sweepQuiet  bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove photos that no memory or site references",
	Long: `Run one orphan sweep over the managed bucket prefixes. Objects younger
than --grace are kept so in-flight uploads survive.`,
	Args: cobra.NoArgs,
	Run:  runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "list orphans without removing them")
	sweepCmd.Flags().DurationVar(&sweepGrace, "grace", 24*time.Hour, "minimum object age before removal")
	sweepCmd.Flags().BoolVarP(&sweepQuiet, "quiet", "q", false, "print the summary only")
}

func runSweep(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool, err := config.NewPostgres(ctx, profile.PostgresURL)
	if err != nil {
		exitError("%v", err)
	}
	defer pool.Close()

	client, err := minio.New(profile.Object.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(profile.Object.AccessKey, profile.Object.SecretKey, ""),
		Secure: profile.Object.UseSSL,
		Region: profile.Object.Region,
	})
	if err != nil {
		exitError("failed to create object client: %v", err)
	}

	store := blob.NewStore(client, profile.Object.Bucket, "")
	memories := storage.NewMemoryStore(storage.NewDB(pool))
	sweeper := blob.NewSweeper(store, memories, time.Hour, sweepGrace, zerolog.Nop())

	report, err := sweeper.RunOnce(ctx, sweepDryRun)
	if err != nil {
		exitError("sweep failed: %v", err)
	}
	printSweepReport(report, sweepDryRun, sweepQuiet)
}

func printSweepReport(report blob.SweepReport, dryRun, quiet bool) {
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if !quiet {
		for _, path := range report.Orphans {
			if dryRun {
				yellow.Printf("  would remove: %s\n", path)
			} else {
				red.Printf("  removed:      %s\n", path)
			}
		}
	}

	fmt.Printf("Scanned %d objects, %d orphaned", report.Scanned, len(report.Orphans))
	if dryRun {
		fmt.Println(" (dry run)")
		return
	}
	fmt.Printf(", %d removed", report.Removed)
	if report.Failed > 0 {
		red.Printf(", %d failed", report.Failed)
	}
	fmt.Println()
}
