package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/selector"
)

func ms(v float64) string {
	if v == 0 {
		return "-"
	}
	return (time.Duration(v * float64(time.Millisecond))).Round(time.Millisecond).String()
}

func backendRows(rows []selector.BackendStatus) [][]string {
	out := make([][]string, 0, len(rows))
	for _, b := range rows {
		active := ""
		if b.Active {
			active = "*"
		}
		lastErr := "-"
		if n := len(b.Health.Errors); n > 0 {
			lastErr = b.Health.Errors[n-1].Error
		}
		out = append(out, []string{
			active,
			b.ID,
			b.Type,
			string(b.Health.Status),
			strconv.FormatFloat(b.Score, 'f', 2, 64),
			fmt.Sprintf("%.0f%%", b.Health.Performance.SuccessRate*100),
			ms(b.Health.Performance.AverageResponseMs),
			strconv.Itoa(b.Priority),
			lastErr,
		})
	}
	return out
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"health"},
	Short:   "Show backend health and the active backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rows []selector.BackendStatus
		if err := apiGet("/v1/backends", &rows); err != nil {
			return err
		}
		var stats health.Statistics
		if err := apiGet("/v1/statistics", &stats); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(map[string]any{"backends": rows, "statistics": stats})
		}

		if len(rows) == 0 {
			fmt.Println(dimStyle.Render("No backends configured"))
			return nil
		}
		printTable(
			[]string{"", "BACKEND", "TYPE", "STATUS", "SCORE", "SUCCESS", "LATENCY", "PRIORITY", "LAST ERROR"},
			backendRows(rows), 3)

		fmt.Printf("\n%d backends: %d healthy, %d degraded, %d unhealthy | avg response %s\n",
			stats.TotalBackends, stats.Healthy, stats.Degraded, stats.Unhealthy, ms(stats.AverageResponseMs))
		return nil
	},
}

var checkBackendCmd = &cobra.Command{
	Use:   "probe <backend>",
	Short: "Run an immediate health check against a backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var h health.Health
		if err := apiPost("/v1/backends/"+args[0]+"/check", nil, &h); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(h)
		}
		fmt.Printf("%s: %s", args[0], colorStatus(string(h.Status)))
		if n := len(h.Errors); n > 0 && !h.Available {
			fmt.Printf(" (%s)", h.Errors[n-1].Error)
		}
		fmt.Println()
		return nil
	},
}

var reselectCmd = &cobra.Command{
	Use:   "reselect",
	Short: "Re-evaluate which backend should be active",
	RunE: func(cmd *cobra.Command, args []string) error {
		var d selector.Decision
		if err := apiPost("/v1/reselect", nil, &d); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(d)
		}
		if !d.Switched {
			fmt.Printf("Active backend unchanged: %s\n", d.To)
			return nil
		}
		from := d.From
		if from == "" {
			from = "(none)"
		}
		fmt.Printf("Switched %s -> %s: %s\n", from, d.To, strings.TrimSpace(d.Reason))
		if d.Migration != nil {
			fmt.Printf("Migrated %d items (%s)\n", d.Migration.MigratedItems, d.Migration.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkBackendCmd)
	rootCmd.AddCommand(reselectCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon log output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet("/v1/logs?n="+strconv.Itoa(n), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	rootCmd.AddCommand(logsCmd)
}
