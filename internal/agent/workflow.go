// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent

import (
	"context"
	"strings"
)

// Workflow intercepts messages that are answered without a model call.
type Workflow interface {
	TryHandle(ctx context.Context, u User, content string) (reply string, handled bool)
}

// HelpText is the reply to /help.
const HelpText = `# Help Commands
/help  show this message

Ask a question about your data in plain language, e.g. "top 5 customers by revenue".`

// CommandWorkflow answers slash commands locally.
type CommandWorkflow struct{}

// TryHandle implements Workflow.
func (CommandWorkflow) TryHandle(_ context.Context, _ User, content string) (string, bool) {
	if strings.TrimSpace(content) == "/help" {
		return HelpText, true
	}
	return "", false
}
