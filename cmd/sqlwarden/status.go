// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// readyStatus is the subset of /health/ready the status command prints.
type readyStatus struct {
	Status   string `json:"status"`
	Database struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"database"`
	LLM struct {
		Status  string `json:"status"`
		Model   string `json:"model"`
		Message string `json:"message"`
	} `json:"llm"`
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Query a running server's readiness endpoint and display the state of its dependencies.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", defaultAddress, "server address to check")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	var body readyStatus
	if err := newServerClient(addr).getJSON("/health/ready", &body, http.StatusServiceUnavailable); err != nil {
		if wardenerr.HasCode(err, wardenerr.CodeCLIServerNotRunning) {
			_, _ = fmt.Fprintf(out, "Server at %s is not running (connection refused)\n", addr)
			return nil
		}
		_, _ = fmt.Fprintf(out, "Server at %s: %s\n", addr, err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Server at %s: %s\n", addr, body.Status)
	_, _ = fmt.Fprintf(out, "  %-10s %s%s\n", "database", body.Database.Status, suffix(body.Database.Message))
	_, _ = fmt.Fprintf(out, "  %-10s %s%s\n", "llm", body.LLM.Status, suffix(body.LLM.Message))
	return nil
}

func suffix(msg string) string {
	if msg == "" {
		return ""
	}
	return " (" + msg + ")"
}
