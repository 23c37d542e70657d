// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package scanner

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// DefaultMaxMessageLength caps the trailing user message, in characters.
const DefaultMaxMessageLength = 4000

var (
	controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0b-\x0c\x0e-\x1f]`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// Sanitize replaces control characters with spaces, collapses whitespace
// runs and trims.
func Sanitize(text string) string {
	text = controlCharPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// FilterConfig configures a Filter.
type FilterConfig struct {
	// MaxMessageLength caps the trailing user message; 0 means the default.
	MaxMessageLength int
	// BlockPatterns are extra case-insensitive patterns that block a message.
	BlockPatterns []string
}

// Filter is the prompt safety filter applied to conversations before they
// are sent to the model.
type Filter struct {
	maxLen    int
	scanner   *RegexScanner
	sensitive *RegexScanner
}

// NewFilter builds a filter from the default rules plus cfg.BlockPatterns.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if cfg.MaxMessageLength < 0 {
		return nil, wardenerr.New(wardenerr.CodeConfigValidateInvalidValue, "max message length must not be negative")
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}

	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	custom, err := CompileRules(cfg.BlockPatterns)
	if err != nil {
		return nil, err
	}
	sc, err := NewRegexScanner(slices.Concat(rules, custom))
	if err != nil {
		return nil, err
	}
	sensitive, err := NewRegexScanner(SensitiveRules())
	if err != nil {
		return nil, err
	}
	return &Filter{maxLen: cfg.MaxMessageLength, scanner: sc, sensitive: sensitive}, nil
}

// MaxMessageLength returns the configured cap.
func (f *Filter) MaxMessageLength() int { return f.maxLen }

// FilterMessages screens the trailing message when it is a user message and
// sanitizes it in place. Rules match the normalized text while the stored
// text keeps the caller's characters. Earlier messages are never touched. A
// message over the length cap or matching a block rule returns a validation
// error.
func (f *Filter) FilterMessages(ctx context.Context, msgs []provider.Message) error {
	n := len(msgs)
	if n == 0 || msgs[n-1].Role != provider.MessageRoleUser {
		return nil
	}
	content := msgs[n-1].Content

	if utf8.RuneCountInString(content) > f.maxLen {
		return wardenerr.New(wardenerr.CodePromptFilterInvalid,
			fmt.Sprintf("message exceeds %d characters", f.maxLen))
	}

	res, err := f.scanner.Scan(ctx, content, StageInput)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		log.Warn().Func(logRules(res)).Msg("prompt blocked by safety filter")
		return err
	}

	msgs[n-1].Content = Sanitize(content)
	return nil
}

// RedactSensitive replaces the literal word "password" in every message
// with [REDACTED].
func (f *Filter) RedactSensitive(ctx context.Context, msgs []provider.Message) {
	for i := range msgs {
		if msgs[i].Content == "" {
			continue
		}
		res, err := f.sensitive.Scan(ctx, msgs[i].Content, StageInput)
		if err != nil || !res.Threat {
			continue
		}
		msgs[i].Content = res.Redacted()
	}
}

// RedactTool removes credentials and injected instructions from a tool
// result before it is shown to the model.
func (f *Filter) RedactTool(ctx context.Context, text string) string {
	return f.redactStage(ctx, text, StageTool)
}

// RedactOutput removes credentials from text returned to the end user.
func (f *Filter) RedactOutput(ctx context.Context, text string) string {
	return f.redactStage(ctx, text, StageOutput)
}

func (f *Filter) redactStage(ctx context.Context, text string, stage Stage) string {
	res, err := f.scanner.Scan(ctx, text, stage)
	if err != nil || !res.Threat {
		return text
	}
	log.Warn().Str("stage", string(stage)).Func(logRules(res)).Msg("redacted content")
	return res.Redacted()
}

func logRules(res ScanResult) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		names := make([]string, 0, len(res.Matches))
		for _, m := range res.Matches {
			names = append(names, m.Rule)
		}
		e.Strs("rules", names)
	}
}
