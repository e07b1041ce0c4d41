package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seantiz/relay/internal/artifact"
	"github.com/seantiz/relay/internal/checkpoint"
	"github.com/seantiz/relay/internal/config"
	"github.com/seantiz/relay/internal/rundir"
)

var pushLatestCmd = &cobra.Command{
	Use:   "push-latest",
	Short: "Push a run's latest checkpoint to the artifact hub",
	Long: `Snapshot the checkpoint the run's latest pointer names and publish it.
Prints the resulting revision.`,
	RunE: runPushLatest,
}

func init() {
	pushLatestCmd.Flags().String("run-root", "", "Run root, e.g. /mnt/relay/runs/<run_id>")
	pushLatestCmd.Flags().String("repo", "", "Artifact repo id")
	pushLatestCmd.Flags().String("branch", "main", "Target branch")
	pushLatestCmd.Flags().Bool("dry-run", false, "Do not upload, only generate revision metadata")
	pushLatestCmd.Flags().String("hub-url", os.Getenv("HUB_URL"), "Artifact hub URL (s3://, minio:// or file://)")
	_ = pushLatestCmd.MarkFlagRequired("run-root")
	_ = pushLatestCmd.MarkFlagRequired("repo")
}

func runPushLatest(cmd *cobra.Command, args []string) error {
	runRoot, _ := cmd.Flags().GetString("run-root")
	repo, _ := cmd.Flags().GetString("repo")
	branch, _ := cmd.Flags().GetString("branch")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	hubURL, _ := cmd.Flags().GetString("hub-url")

	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(os.Getenv("RELAY_LOG_LEVEL")))

	var hub artifact.Hub
	if !dryRun {
		if hubURL == "" {
			return fmt.Errorf("--hub-url is required unless --dry-run is set")
		}
		creds, err := config.LoadHubCredentials()
		if err != nil {
			return err
		}
		hub, err = artifact.DefaultRegistry(artifact.Credentials{
			AccessKey: creds.AccessKey,
			SecretKey: creds.SecretKey,
			Secure:    creds.Secure,
		}).Resolve(hubURL)
		if err != nil {
			return err
		}
	}

	dirs := rundir.LayoutAt(filepath.Clean(runRoot))
	stepDir, err := checkpoint.ResolveLatest(dirs.Ckpt)
	if err != nil {
		return err
	}

	rev, err := artifact.NewSyncer(hub, logger).SyncStep(cmd.Context(), stepDir, dirs.Run, repo, branch, dryRun)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rev)
	return nil
}
