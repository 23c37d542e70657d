// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package scanner

import (
	"context"
	"regexp"
	"slices"
	"strings"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Stage identifies which text a rule applies to.
type Stage string

const (
	// StageInput is the end user's chat message.
	StageInput Stage = "input"
	// StageTool is text returned by a tool (SQL results) before it is fed to the model.
	StageTool Stage = "tool"
	// StageOutput is text leaving the service: model answers and error details.
	StageOutput Stage = "output"
)

// Valid reports whether the stage is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageInput, StageTool, StageOutput:
		return true
	default:
		return false
	}
}

// Severity indicates how critical a detection is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Valid reports whether the severity is a known severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// ScanResult holds the outcome of a scan.
type ScanResult struct {
	Threat  bool
	Matches []Match
	// Content is the normalized text (NFKC, invisible characters stripped).
	// Match offsets index into it, so redaction must use it.
	Content string
}

// Match describes a single pattern match. Location and Length are byte
// offsets into ScanResult.Content.
type Match struct {
	Rule     string
	Location int
	Length   int
	Severity Severity
}

// Scanner scans content for threats.
type Scanner interface {
	Scan(ctx context.Context, content string, stage Stage) (ScanResult, error)
}

// Rule defines a detection pattern. The scanner only evaluates rules whose
// Stage matches the scan's stage.
type Rule struct {
	Stage    Stage
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
}

// DefaultMaxContentLength is the largest content RegexScanner inspects (1MB).
const DefaultMaxContentLength = 1 << 20

// RegexScanner implements Scanner using compiled regexes.
type RegexScanner struct {
	rules            []Rule
	maxContentLength int
}

// NewRegexScanner creates a scanner with the given rules.
func NewRegexScanner(rules []Rule) (*RegexScanner, error) {
	for i, r := range rules {
		if r.Pattern == nil {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "rule %d (%s) has nil pattern", i, r.Name)
		}
		if !r.Stage.Valid() {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "rule %d (%s) has invalid stage %q", i, r.Name, r.Stage)
		}
		if r.Name == "" {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "rule %d has empty name", i)
		}
		if !r.Severity.Valid() {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "rule %d (%s) has invalid severity %q", i, r.Name, r.Severity)
		}
	}
	return &RegexScanner{rules: rules, maxContentLength: DefaultMaxContentLength}, nil
}

// invisibleCharReplacer strips zero-width and other invisible characters
// used to split keywords past the rules.
var invisibleCharReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space / BOM
	"\u00ad", "", // soft hyphen
	"\u034f", "", // combining grapheme joiner
	"\u061c", "", // Arabic letter mark
	"\u180e", "", // Mongolian vowel separator
	"\u2060", "", // word joiner
	"\u2061", "", // invisible function application
	"\u2062", "", // invisible times
	"\u2063", "", // invisible separator
	"\u2064", "", // invisible plus
)

// Normalize applies NFKC normalization and strips invisible characters.
func Normalize(s string) string {
	return norm.NFKC.String(invisibleCharReplacer.Replace(s))
}

// Scan checks content against the rules for stage.
func (s *RegexScanner) Scan(_ context.Context, content string, stage Stage) (ScanResult, error) {
	if !stage.Valid() {
		return ScanResult{}, wardenerr.Errorf(wardenerr.CodePromptFilterInvalid, "invalid scan stage %q", stage)
	}

	content = Normalize(content)

	if len(content) > s.maxContentLength {
		return ScanResult{Threat: true, Content: content, Matches: []Match{{
			Rule:     "content_too_large",
			Length:   len(content),
			Severity: SeverityHigh,
		}}}, nil
	}

	result := ScanResult{Content: content}
	for _, rule := range s.rules {
		if rule.Stage != stage {
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringIndex(content, -1) {
			result.Threat = true
			result.Matches = append(result.Matches, Match{
				Rule:     rule.Name,
				Location: loc[0],
				Length:   loc[1] - loc[0],
				Severity: rule.Severity,
			})
		}
	}

	return result, nil
}

// Err returns the rejection for a threatening input scan, naming the first
// matched rule, or nil when nothing matched.
func (r ScanResult) Err() error {
	if !r.Threat {
		return nil
	}
	rule := "unknown"
	if len(r.Matches) > 0 {
		rule = r.Matches[0].Rule
	}
	return wardenerr.New(wardenerr.CodePromptFilterInvalid,
		"Message blocked by safety filter ("+rule+")",
		wardenerr.Field("matches", len(r.Matches)),
		wardenerr.Field("rule", rule),
	)
}

// Redacted returns the normalized content with every matched region
// replaced by [REDACTED]. Without a threat the content is returned as is.
func (r ScanResult) Redacted() string {
	if !r.Threat {
		return r.Content
	}
	return redact(r.Content, r.Matches)
}

// redact replaces matched regions in content with [REDACTED], merging
// overlapping matches first.
func redact(content string, matches []Match) string {
	sorted := slices.DeleteFunc(slices.Clone(matches), func(m Match) bool {
		return m.Location < 0 || m.Length < 0
	})
	if len(sorted) == 0 {
		return content
	}
	slices.SortFunc(sorted, func(a, b Match) int { return a.Location - b.Location })

	type span struct{ start, end int }
	spans := []span{{sorted[0].Location, sorted[0].Location + sorted[0].Length}}
	for _, m := range sorted[1:] {
		last := &spans[len(spans)-1]
		end := m.Location + m.Length
		if m.Location <= last.end {
			last.end = max(last.end, end)
		} else {
			spans = append(spans, span{m.Location, end})
		}
	}

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, s := range spans {
		b.WriteString(content[pos:s.start])
		b.WriteString("[REDACTED]")
		pos = min(s.end, len(content))
	}
	b.WriteString(content[pos:])
	return b.String()
}
