package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/seedvault/internal/api"
	"github.com/benaskins/seedvault/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <source> <target>",
	Short: "Copy secrets from one backend to another",
	Long: `Copy secrets between configured backends.

Strategies: copy_then_validate (default), validate_while_copy, merge, selective.
Validation levels: none, basic, data_integrity (default), full.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		validation, _ := cmd.Flags().GetString("validation")
		batch, _ := cmd.Flags().GetInt("batch-size")
		detach, _ := cmd.Flags().GetBool("detach")

		req := api.MigrationRequest{
			Source:     args[0],
			Target:     args[1],
			Strategy:   strategy,
			Validation: validation,
			BatchSize:  batch,
			Wait:       !detach,
		}
		if cmd.Flags().Changed("move") {
			move, _ := cmd.Flags().GetBool("move")
			preserve := !move
			req.PreserveSource = &preserve
		}
		if cmd.Flags().Changed("rollback") {
			rb, _ := cmd.Flags().GetBool("rollback")
			req.Rollback = &rb
		}

		client := apiClient()
		client.Timeout = 0 // migrations can take a while
		var p migrate.Progress
		if err := apiDo(client, http.MethodPost, "/v1/migrations", req, &p); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(p)
		}
		if detach {
			fmt.Printf("Migration %s started\n", p.PlanID)
			return nil
		}
		printProgress(p)
		if p.Status != migrate.StatusCompleted {
			return fmt.Errorf("migration %s", p.Status)
		}
		return nil
	},
}

func printProgress(p migrate.Progress) {
	fmt.Printf("Migration %s: %s -> %s (%s)\n", p.PlanID, p.Source, p.Target, p.Strategy)
	fmt.Printf("  status    %s\n", colorStatus(string(p.Status)))
	fmt.Printf("  items     %d migrated, %d skipped, %d failed of %d\n",
		p.MigratedItems, p.SkippedItems, p.FailedItems, p.TotalItems)
	fmt.Printf("  duration  %s\n", p.Duration().Round(time.Millisecond))
	if p.Error != "" {
		fmt.Printf("  error     %s\n", p.Error)
	}
	for _, e := range p.Errors {
		fmt.Printf("  %s %s: %s\n", e.Operation, e.Key, e.Error)
	}
}

var migrationsCmd = &cobra.Command{
	Use:   "migrations [plan-id]",
	Short: "List migrations or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var p migrate.Progress
			if err := apiGet("/v1/migrations/"+args[0], &p); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(p)
			}
			printProgress(p)
			return nil
		}

		var runs []migrate.Progress
		if err := apiGet("/v1/migrations", &runs); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No migrations")
			return nil
		}
		rows := make([][]string, 0, len(runs))
		for _, p := range runs {
			rows = append(rows, []string{
				p.PlanID,
				p.Source + " -> " + p.Target,
				string(p.Strategy),
				string(p.Status),
				fmt.Sprintf("%d/%d", p.MigratedItems, p.TotalItems),
				p.StartTime.Local().Format(time.DateTime),
			})
		}
		printTable([]string{"PLAN", "ROUTE", "STRATEGY", "STATUS", "ITEMS", "STARTED"}, rows, 3)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <plan-id>",
	Short: "Cancel a running migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiDo(apiClient(), http.MethodDelete, "/v1/migrations/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("strategy", "", "migration strategy")
	migrateCmd.Flags().String("validation", "", "validation level")
	migrateCmd.Flags().Int("batch-size", 0, "keys per batch")
	migrateCmd.Flags().Bool("move", false, "remove keys from the source after a successful migration")
	migrateCmd.Flags().Bool("rollback", true, "undo target writes when the migration fails")
	migrateCmd.Flags().BoolP("detach", "d", false, "start the migration and return immediately")

	migrationsCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(migrationsCmd)
}
