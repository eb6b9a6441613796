package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/migrate"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	dimStyle    = lipgloss.NewStyle().Faint(true)

	statusColors = map[string]lipgloss.Color{
		string(health.StatusHealthy):     lipgloss.Color("2"),
		string(health.StatusDegraded):    lipgloss.Color("3"),
		string(health.StatusUnhealthy):   lipgloss.Color("1"),
		string(health.StatusUnknown):     lipgloss.Color("8"),
		string(migrate.StatusCompleted):  lipgloss.Color("2"),
		string(migrate.StatusRunning):    lipgloss.Color("4"),
		string(migrate.StatusPending):    lipgloss.Color("8"),
		string(migrate.StatusFailed):     lipgloss.Color("1"),
		string(migrate.StatusRolledBack): lipgloss.Color("3"),
	}
)

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorStatus(s string) string {
	c, ok := statusColors[s]
	if !ok || !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// renderTable draws a borderless table; column statusCol is colored by
// value when stdout is a terminal.
func renderTable(headers []string, rows [][]string, statusCol int) string {
	for _, r := range rows {
		if statusCol >= 0 && statusCol < len(r) {
			r[statusCol] = colorStatus(r[statusCol])
		}
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cellStyle
		})
	return strings.TrimRight(t.Render(), "\n")
}

func printTable(headers []string, rows [][]string, statusCol int) {
	fmt.Println(renderTable(headers, rows, statusCol))
}
