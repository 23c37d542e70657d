// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <sql>",
		Short: "Check a SQL statement against the guard without running it",
		Long: "Run a statement through the same validator and table allow-list the agent uses.\n" +
			"The allow-list is read from the configured database unless --offline is given.",
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	}

	cmd.Flags().Bool("offline", false, "skip the table allow-list and only validate the statement")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	offline, _ := cmd.Flags().GetBool("offline")

	cfg, err := loadConfig()
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeCLISetupFailure, "loading config")
	}

	var guard *sqlguard.Guard
	if offline {
		guard = sqlguard.NewGuard(
			sqlguard.NewValidator(cfg.Database.Provider, cfg.Guard.AllowedVerbs, cfg.Guard.DestructiveVerbs), nil)
	} else {
		g, runner, err := openGuard(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = runner.Close() }()
		guard = g
	}

	verdict := guard.Check(commandContext(cmd), strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if !verdict.Allowed() {
		_, _ = fmt.Fprintln(out, verdict.Rejection.Message())
		return verdict.Rejection.Err()
	}
	_, _ = fmt.Fprintf(out, "OK: %s\n", verdict.SQL)
	return nil
}
