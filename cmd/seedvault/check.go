package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/seedvault/internal/backends"
	"github.com/benaskins/seedvault/internal/config"
	"github.com/benaskins/seedvault/internal/selector"
)

type checkResult struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and optionally probe each backend",
	Long:  "Parse and validate the config file (~/.seedvault/config.yaml by default). With --probe, every enabled backend is opened and self-tested without the daemon.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("probe", false, "open and self-test every enabled backend")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut := jsonOutput(cmd)
	probe, _ := cmd.Flags().GetBool("probe")
	path := resolvedConfigPath()

	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		if jsonOut {
			printJSON(map[string]any{"path": path, "valid": false, "error": err.Error()})
		}
		return fmt.Errorf("%s: %w", path, err)
	}

	list := cfg.EnabledBackends(selector.DetectRuntime())
	var results []checkResult
	var failed int
	for _, b := range list {
		r := checkResult{ID: b.ID, Type: b.Type, Valid: true}
		if probe {
			if err := probeBackend(cmd.Context(), b); err != nil {
				r.Valid, r.Error = false, err.Error()
				failed++
			}
		}
		results = append(results, r)
	}

	if jsonOut {
		return printJSON(map[string]any{"path": path, "valid": failed == 0, "backends": results})
	}

	fmt.Printf("OK    %s\n", path)
	for _, r := range results {
		if r.Valid {
			fmt.Printf("OK    %s (%s)\n", r.ID, r.Type)
		} else {
			fmt.Fprintf(os.Stderr, "FAIL  %s (%s)\n      %v\n", r.ID, r.Type, r.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d backend(s) failed the self-test", failed)
	}
	return nil
}

func probeBackend(ctx context.Context, b config.Backend) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	backend, err := backends.Open(ctx, b, backends.Options{Logger: newLogger(nil)})
	if err != nil {
		return err
	}
	if r := backend.Test(ctx); !r.IsOk() {
		return r.Err()
	}
	return nil
}
