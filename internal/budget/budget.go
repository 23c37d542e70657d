// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package budget keeps an outbound LLM request under a character cap by
// dropping and truncating the oldest conversation history first. System
// messages are never modified.
package budget

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/provider"
)

// StrictInstruction closes the collapsed prompt built in strict mode.
const StrictInstruction = "Respond with exactly one JSON tool call and nothing else."

const sectionSep = "\n\n"

// Budget describes one sizing decision. It is recomputed for every request
// and never shared between requests.
type Budget struct {
	MessageCount int  `json:"message_count"`
	TotalChars   int  `json:"total_chars"`
	SystemChars  int  `json:"system_chars"`
	Limit        int  `json:"limit"`
	Remaining    int  `json:"remaining"`
	Truncated    bool `json:"truncated"`
	Collapsed    bool `json:"collapsed"`
}

// Injection carries the parts of the trailing user message that context
// injection assembled, so strict mode can rebuild a minimal prompt.
type Injection struct {
	Question string
	Context  string
}

// Budgeter applies the truncation policy for one configured limit.
type Budgeter struct {
	limit  int
	strict bool
}

// New creates a budgeter. A non-positive limit disables truncation.
func New(limit int, strict bool) *Budgeter {
	return &Budgeter{limit: limit, strict: strict}
}

// Limit returns the configured character cap.
func (b *Budgeter) Limit() int { return b.limit }

// Strict reports whether truncated requests are collapsed.
func (b *Budgeter) Strict() bool { return b.strict }

// Apply returns a copy of req sized to the budget. The input request is not
// modified. inj may be nil; strict mode then recovers the question from the
// trailing user message.
func (b *Budgeter) Apply(ctx context.Context, req provider.ChatRequest, inj *Injection) (provider.ChatRequest, Budget) {
	out := req.Clone()

	var system, history []provider.Message
	for _, m := range out.Messages {
		if m.Role == provider.MessageRoleSystem {
			system = append(system, m)
		} else {
			history = append(history, m)
		}
	}

	bud := Budget{
		MessageCount: len(out.Messages),
		SystemChars:  charCount(system),
		Limit:        b.limit,
	}
	bud.TotalChars = bud.SystemChars + charCount(history)
	bud.Remaining = max(b.limit-bud.TotalChars, 0)

	if b.limit > 0 && bud.TotalChars > b.limit && len(history) > 0 {
		remaining := max(b.limit-bud.SystemChars, 0)
		kept, left := truncateHistory(history, remaining)

		if b.strict {
			out.Messages = append(system, collapse(remaining, b.question(req, inj))...)
			bud.Collapsed = true
		} else {
			out.Messages = append(system, kept...)
		}
		bud.Remaining = left
		bud.Truncated = true
	}

	logging.Perf(ctx, "llm.prompt_size", map[string]any{
		"message_count": bud.MessageCount,
		"kept_messages": len(out.Messages),
		"total_chars":   bud.TotalChars,
		"system_chars":  bud.SystemChars,
		"truncated":     bud.Truncated,
		"collapsed":     bud.Collapsed,
		"limit":         bud.Limit,
	})
	return out, bud
}

func (b *Budgeter) question(req provider.ChatRequest, inj *Injection) Injection {
	if inj != nil {
		return *inj
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == provider.MessageRoleUser {
			return Injection{Question: req.Messages[i].Content}
		}
	}
	return Injection{}
}

// truncateHistory walks history newest first, keeping whole messages while
// they fit. The first message that does not fit keeps only its trailing
// characters and everything older is dropped. Retained messages stay in
// chronological order.
func truncateHistory(history []provider.Message, budget int) ([]provider.Message, int) {
	start := len(history)
	var partial *provider.Message
	for i := len(history) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(history[i].Content)
		if n <= budget {
			budget -= n
			start = i
			continue
		}
		if budget > 0 {
			m := history[i]
			m.Content = lastRunes(m.Content, budget)
			partial = &m
			budget = 0
		}
		break
	}

	kept := make([]provider.Message, 0, len(history)-start+1)
	if partial != nil {
		kept = append(kept, *partial)
	}
	kept = append(kept, history[start:]...)

	// A tool result whose assistant call was dropped is rejected by every
	// provider API.
	for len(kept) > 0 && kept[0].Role == provider.MessageRoleTool {
		budget += utf8.RuneCountInString(kept[0].Content)
		kept = kept[1:]
	}
	return kept, budget
}

// collapse builds the single user message used in strict mode. The
// instruction is always kept; context is cut from its end first, then the
// question from its start, until the message fits in room.
func collapse(room int, inj Injection) []provider.Message {
	question := strings.TrimSpace(inj.Question)
	ctxText := strings.TrimSpace(inj.Context)

	fixed := utf8.RuneCountInString(StrictInstruction)
	if question != "" {
		fixed += len(sectionSep)
	}
	if ctxText != "" {
		fixed += len(sectionSep)
	}

	avail := max(room-fixed, 0)
	qLen := utf8.RuneCountInString(question)
	if qLen > avail {
		question = lastRunes(question, avail)
		qLen = avail
	}
	ctxText = firstRunes(ctxText, avail-qLen)

	parts := make([]string, 0, 3)
	for _, p := range []string{question, ctxText, StrictInstruction} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	content := strings.Join(parts, sectionSep)
	if utf8.RuneCountInString(content) > room {
		content = lastRunes(content, room)
	}
	if content == "" {
		return nil
	}
	return []provider.Message{{Role: provider.MessageRoleUser, Content: content}}
}

func charCount(msgs []provider.Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func firstRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
