package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/relay/internal/api"
	"github.com/seantiz/relay/internal/authority"
	"github.com/seantiz/relay/internal/config"
	"github.com/seantiz/relay/internal/store"
)

var commanderCmd = &cobra.Command{
	Use:   "commander",
	Short: "Run the lease authority",
	Long: `Run the lease authority HTTP service.

Configuration comes from RELAY_* environment variables; flags given on the
command line override them.`,
	RunE: runCommander,
}

func init() {
	commanderCmd.Flags().String("listen", "", "Listen address (overrides RELAY_LISTEN_ADDR)")
	commanderCmd.Flags().String("state", "", "State file path (overrides RELAY_COMMANDER_STATE)")
	commanderCmd.Flags().String("backend", "", "State backend: file, sqlite or bolt (overrides RELAY_STATE_BACKEND)")
	commanderCmd.Flags().Int("lease-seconds", 0, "Lease lifetime in seconds (overrides RELAY_LEASE_SECONDS)")
	commanderCmd.Flags().String("shared-secret", "", "Shared secret required on acquire (overrides RELAY_SHARED_SECRET)")
}

func runCommander(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCommander()
	if err != nil {
		return &exitCodeError{code: 2, err: err}
	}
	if err := applyCommanderFlags(cmd, &cfg); err != nil {
		return &exitCodeError{code: 2, err: err}
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("relay commander: starting",
		"listen_addr", cfg.ListenAddr,
		"state_backend", cfg.StateBackend,
		"state_path", cfg.StatePath,
		"lease_seconds", cfg.LeaseSeconds,
		"version", Version,
	)

	st, err := store.Open(cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth, err := authority.New(ctx, st, authority.Settings{
		LeaseDuration: time.Duration(cfg.LeaseSeconds) * time.Second,
		SharedSecret:  cfg.SharedSecret,
		Defaults:      cfg.WorkerDefaults(),
	}, logger)
	if err != nil {
		return err
	}

	return api.NewServer(cfg.ListenAddr, auth, logger).Run(ctx)
}

func applyCommanderFlags(cmd *cobra.Command, cfg *config.Commander) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("state") {
		cfg.StatePath, _ = flags.GetString("state")
	}
	if flags.Changed("backend") {
		cfg.StateBackend, _ = flags.GetString("backend")
	}
	if flags.Changed("shared-secret") {
		cfg.SharedSecret, _ = flags.GetString("shared-secret")
	}
	if flags.Changed("lease-seconds") {
		n, _ := flags.GetInt("lease-seconds")
		if n <= 0 {
			return fmt.Errorf("--lease-seconds must be positive, got %d", n)
		}
		cfg.LeaseSeconds = n
	}
	return nil
}
