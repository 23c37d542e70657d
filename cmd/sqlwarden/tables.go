// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sqlwarden/sqlwarden/internal/server"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

func newTablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables generated SQL may reference",
		Long: "Print the table allow-list. With --address the list comes from a running server;\n" +
			"otherwise it is read from the configured database.",
		RunE: runTables,
	}

	cmd.Flags().String("address", "", "read the allow-list from a running server")
	cmd.Flags().Bool("refresh", false, "ask the server to reload its allow-list first (requires --address)")

	return cmd
}

func runTables(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	refresh, _ := cmd.Flags().GetBool("refresh")
	out := cmd.OutOrStdout()

	var body server.TablesBody
	switch {
	case addr != "":
		client := newServerClient(addr)
		var err error
		if refresh {
			err = client.postJSON("/api/v1/tables/refresh", struct{}{}, &body)
		} else {
			err = client.getJSON("/api/v1/tables", &body)
		}
		if err != nil {
			return err
		}
	case refresh:
		return wardenerr.New(wardenerr.CodeCLIInputInvalid, "--refresh requires --address")
	default:
		cfg, err := loadConfig()
		if err != nil {
			return wardenerr.Wrapf(err, wardenerr.CodeCLISetupFailure, "loading config")
		}
		guard, runner, err := openGuard(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = runner.Close() }()

		body.Tables, err = guard.AllowList().Tables(commandContext(cmd))
		if err != nil {
			return err
		}
		body.Policy = string(guard.AllowList().Policy())
	}

	if len(body.Tables) == 0 {
		_, _ = fmt.Fprintf(out, "No tables allowed (policy %s).\n", body.Policy)
		return nil
	}
	for _, t := range body.Tables {
		_, _ = fmt.Fprintln(out, t)
	}
	return nil
}
