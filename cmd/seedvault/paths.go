package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/seedvault/internal/config"
)

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func defaultSocketPath() string {
	dir := config.Dir()
	if dir == "" {
		return "/tmp/seedvault.sock"
	}
	return filepath.Join(dir, "seedvault.sock")
}

func defaultAuditPath() string {
	return filepath.Join(config.Dir(), "audit.log")
}

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show the files seedvault reads and writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := map[string]string{
			"home":   config.Dir(),
			"config": resolvedConfigPath(),
			"socket": defaultSocketPath(),
			"audit":  defaultAuditPath(),
			"vault":  config.DefaultFileDir(),
		}
		if jsonOutput(cmd) {
			return printJSON(paths)
		}
		for _, k := range []string{"home", "config", "socket", "audit", "vault"} {
			fmt.Printf("%-7s %s\n", k, paths[k])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pathsCmd)
}
