// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"bufio"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sqlwarden/sqlwarden/internal/secrets"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// secretStoreFactory creates a secrets.Store. It is a package-level variable
// so tests can substitute a mock implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store, inspect and delete secrets kept under the sqlwarden service in the operating system keyring.\n" +
			"Reference a stored secret from sqlwarden.yaml as keyring://sqlwarden/<name>.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Example: "  sqlwarden secret set " + secrets.KeyLLMAPIKey + " < key.txt\n" +
			"  sqlwarden secret set " + secrets.KeyDatabaseDSN + " 'sqlserver://reader@db:1433?database=sales'",
		Args: cobra.RangeArgs(1, 2),
		RunE: runSecretSet,
	}
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a stored secret (masked unless --reveal)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
	cmd.Flags().Bool("reveal", false, "print the secret in plain text")
	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE:  runSecretList,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return wardenerr.New(wardenerr.CodeSecretInvalidInput, "secret name must not be empty")
	}

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			value = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return wardenerr.Errorf(wardenerr.CodeSecretInvalidInput, "reading secret from stdin: %w", err)
		}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return wardenerr.Errorf(wardenerr.CodeSecretInvalidInput, "secret %q must not be empty", name)
	}

	if err := secretStoreFactory().Store(secrets.Service, name, value); err != nil {
		return wardenerr.Errorf(wardenerr.CodeSecretStoreFailure, "storing secret %q: %w", name, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s (reference it as %s)\n", name, secrets.URI(name))
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	reveal, _ := cmd.Flags().GetBool("reveal")

	value, err := secretStoreFactory().Retrieve(secrets.Service, name)
	if err != nil {
		if wardenerr.HasCode(err, wardenerr.CodeSecretNotFound) {
			return wardenerr.Errorf(wardenerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return wardenerr.Errorf(wardenerr.CodeSecretResolveFailure, "reading secret %q: %w", name, err)
	}

	if !reveal {
		value = maskSecret(value)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	keys, err := secretStoreFactory().List(secrets.Service)
	if err != nil {
		return wardenerr.Errorf(wardenerr.CodeSecretListFailure, "listing secrets: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}

	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	if err := secretStoreFactory().Delete(secrets.Service, name); err != nil {
		if wardenerr.HasCode(err, wardenerr.CodeSecretNotFound) {
			return wardenerr.Errorf(wardenerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return wardenerr.Errorf(wardenerr.CodeSecretDeleteFailure, "deleting secret %q: %w", name, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}

// maskSecret keeps the last four characters of values long enough that
// they do not give the secret away.
func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}
