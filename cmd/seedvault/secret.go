package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/seedvault/internal/api"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets on the active backend",
}

// readSecret takes the value from args, a terminal prompt or piped stdin.
func readSecret(args []string) ([]byte, error) {
	if len(args) == 2 {
		return []byte(args[1]), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Enter secret value: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return b, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return bytes.TrimRight(b, "\n"), nil
}

func secretPath(key string) string {
	return "/v1/secrets/" + url.PathEscape(key)
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret",
	Long:  "Store a secret on the active backend. If value is omitted, reads from stdin (useful for piping).",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readSecret(args)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		requireAuth, _ := cmd.Flags().GetBool("require-auth")

		req := api.SecretRequest{Value: value, RequireAuth: requireAuth}
		if ttl > 0 {
			req.TTL = ttl.String()
		}
		var result struct {
			Backend         string `json:"backend"`
			UserInteraction bool   `json:"user_interaction"`
		}
		if err := apiDo(apiClient(), http.MethodPut, secretPath(args[0]), req, &result); err != nil {
			return err
		}
		fmt.Printf("Secret %q stored on %s\n", args[0], result.Backend)
		if result.UserInteraction {
			fmt.Println(dimStyle.Render("Reading it back will require confirmation."))
		}
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Retrieve a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.SecretResponse
		if err := apiGet(secretPath(args[0]), &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(resp)
		}
		os.Stdout.Write(resp.Value)
		if term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Println()
		}
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List all secrets",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var keys []string
		if err := apiGet("/v1/secrets", &keys); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(keys)
		}
		if len(keys) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Remove a secret",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiDo(apiClient(), http.MethodDelete, secretPath(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("Secret %q deleted\n", args[0])
		return nil
	},
}

func init() {
	secretSetCmd.Flags().Duration("ttl", 0, "expire the secret after this long (backends that support it)")
	secretSetCmd.Flags().Bool("require-auth", false, "require user presence to read the secret (keychain)")

	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}
