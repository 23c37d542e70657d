// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sqlwarden/sqlwarden/internal/server"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// chatRequest mirrors the server's chat request body.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ask [question]",
		Aliases: []string{"chat"},
		Short:   "Ask a running server a question about the database",
		Long: "Send a question to a running sqlwarden server and print the answer, the SQL it ran and\n" +
			"the result. Starts an interactive session reading one question per line if no question is given.",
		RunE: runAsk,
	}

	cmd.Flags().String("address", defaultAddress, "server address")
	cmd.Flags().String("email", "", "identify as this user (default guest)")
	cmd.Flags().StringP("conversation", "C", "", "continue an existing conversation")
	cmd.Flags().Bool("json", false, "print the raw JSON response")

	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("address")
	email, _ := cmd.Flags().GetString("email")
	conversation, _ := cmd.Flags().GetString("conversation")
	raw, _ := cmd.Flags().GetBool("json")

	client := newServerClient(addr)
	client.email = email
	out := cmd.OutOrStdout()

	if len(args) > 0 {
		_, err := ask(client, out, strings.Join(args, " "), conversation, raw)
		return err
	}

	_, _ = fmt.Fprintln(out, "Type a question and press enter. /help lists commands; ctrl+d exits.")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		_, _ = fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(out)
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		id, err := ask(client, out, question, conversation, raw)
		if err != nil {
			if wardenerr.HasCode(err, wardenerr.CodeCLIServerNotRunning) {
				return err
			}
			_, _ = fmt.Fprintf(out, "error: %s\n", err)
			continue
		}
		conversation = id
	}
}

// ask sends one question and prints the reply. It returns the conversation
// id the server assigned so follow-ups share history.
func ask(client *serverClient, out io.Writer, question, conversation string, raw bool) (string, error) {
	var resp server.ChatResponseBody
	if err := client.postJSON("/api/v1/chat", chatRequest{Message: question, ConversationID: conversation}, &resp); err != nil {
		return conversation, err
	}

	if raw {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return resp.ConversationID, enc.Encode(resp)
	}
	printAnswer(out, &resp)
	return resp.ConversationID, nil
}

func printAnswer(out io.Writer, resp *server.ChatResponseBody) {
	_, _ = fmt.Fprintln(out, resp.Answer)
	for _, b := range resp.Blocked {
		_, _ = fmt.Fprintf(out, "\n! %s\n", b.Message)
	}
	if resp.SQL != "" {
		_, _ = fmt.Fprintf(out, "\nSQL:\n  %s\n", resp.SQL)
	}
	if resp.Result != nil {
		_, _ = fmt.Fprintf(out, "\n%s\n", resp.Result.Markdown())
	}
	if resp.Cached {
		_, _ = fmt.Fprintln(out, "(cached)")
	}
}
