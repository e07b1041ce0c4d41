package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/relay/internal/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show commander health and state",
	Long: `Show the commander's health and full lease/run state.

With --state-path the given commander state file is printed instead and no
request is made.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("commander-url", "http://127.0.0.1:8080", "Commander base URL")
	statusCmd.Flags().String("state-path", "", "Print this local state file instead of querying the commander")
}

func runStatus(cmd *cobra.Command, args []string) error {
	statePath, _ := cmd.Flags().GetString("state-path")
	if statePath != "" {
		data, err := os.ReadFile(statePath)
		if err != nil {
			return fmt.Errorf("state file not found: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	url, _ := cmd.Flags().GetString("commander-url")
	cmdr := client.NewCommander(url, "", client.WithAttempts(2), client.WithTimeout(10*time.Second))

	if err := cmdr.Health(cmd.Context()); err != nil {
		return fmt.Errorf("commander health: %w", err)
	}
	st, err := cmdr.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("commander status: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"ok": true, "state": st})
}
