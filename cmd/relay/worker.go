package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/relay/internal/artifact"
	"github.com/seantiz/relay/internal/client"
	"github.com/seantiz/relay/internal/config"
	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Acquire the lease and supervise the trainer",
	Long: `Acquire the run lease from the commander, resume from the newest valid
checkpoint and supervise the trainer until it exits.

SIGTERM or SIGINT preempts the run and exits 0. SIGUSR1 is forwarded to the
trainer as a checkpoint request. Otherwise the exit status mirrors the
trainer's; a configuration error exits 2.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("config", config.DefaultRunConfigPath(), "Run configuration file")
}

func runWorker(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRun(path)
	if err != nil {
		return &exitCodeError{code: 2, err: err}
	}

	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(os.Getenv("RELAY_LOG_LEVEL")))
	logger.Info("relay worker: starting",
		"commander_url", cfg.CommanderURL,
		"worker_id", cfg.WorkerID,
		"run_id", cfg.RunID,
		"mode", cfg.Mode,
		"version", Version,
	)

	var hub artifact.Hub
	if cfg.HubURL != "" {
		hub, err = artifact.DefaultRegistry(artifact.Credentials{
			AccessKey: cfg.HubAccessKey,
			SecretKey: cfg.HubSecretKey,
			Secure:    cfg.HubSecure,
		}).Resolve(cfg.HubURL)
		if err != nil {
			return &exitCodeError{code: 2, err: err}
		}
	} else if cfg.HFRepo != "" && !cfg.HFDryRun {
		logger.Warn("hf_repo set without hub_url; milestone syncs will fail")
	}

	gpu, count := "cpu", 0
	orch := worker.New(worker.Config{
		WorkerID:       cfg.WorkerID,
		RunID:          cfg.RunID,
		Mode:           cfg.Mode,
		Cap:            &model.Capability{GPU: &gpu, Count: &count},
		HFRepo:         cfg.HFRepo,
		HFBranch:       cfg.HFBranch,
		HFDryRun:       cfg.HFDryRun,
		TrainerCommand: cfg.TrainerCommand,
		TrainerDir:     cfg.TrainerDir,
	},
		client.NewCommander(cfg.CommanderURL, cfg.SharedSecret, client.WithLogger(logger)),
		artifact.NewSyncer(hub, logger),
		logger,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				if err := orch.RequestCheckpoint(); err != nil && !errors.Is(err, worker.ErrNoTrainer) {
					logger.Warn("forward checkpoint request", "error", err)
				}
			}
		}
	}()

	res, err := orch.Run(ctx)
	if err != nil {
		return &exitCodeError{code: res.ExitCode, err: err}
	}
	logger.Info("relay worker: finished", "phase", res.Phase, "exit_code", res.ExitCode)
	if res.ExitCode != 0 {
		return &exitCodeError{code: res.ExitCode}
	}
	return nil
}
