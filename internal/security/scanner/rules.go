// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package scanner

import (
	_ "embed"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"gopkg.in/yaml.v3"
)

// InputRules returns the meta-instruction, jailbreak and destructive-intent
// patterns checked against the user's message.
func InputRules() []Rule {
	return []Rule{
		{
			Name:     "instruction_override",
			Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|override|forget|do\s+not\s+follow)\s+(all\s+|any\s+|the\s+|your\s+)?(previous|prior|above|earlier|system)\s+(instructions?|prompts?|rules|directions)`),
			Stage:    StageInput,
			Severity: SeverityHigh,
		},
		{
			Name:     "role_hijack",
			Pattern:  regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\b|\bact\s+as\s+(an?\s+|the\s+)?(admin|administrator|dba|root|system|developer|unrestricted)\b`),
			Stage:    StageInput,
			Severity: SeverityHigh,
		},
		{
			Name:     "pretend_to_be",
			Pattern:  regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are|that\s+you)\b`),
			Stage:    StageInput,
			Severity: SeverityHigh,
		},
		{
			Name:     "disable_safety",
			Pattern:  regexp.MustCompile(`(?i)\b(disable|bypass|turn\s+off|ignore|remove|skip)\s+(the\s+|all\s+|your\s+|any\s+)?(safety|guardrails?|filters?|restrictions|safeguards|validation)\b`),
			Stage:    StageInput,
			Severity: SeverityHigh,
		},
		{
			Name:     "reveal_internals",
			Pattern:  regexp.MustCompile(`(?i)\b(show|reveal|print|display|output|dump)\s+(me\s+)?(the\s+|your\s+)?(raw\s+sql|system\s+prompt|hidden\s+prompt|initial\s+prompt|instructions)\b`),
			Stage:    StageInput,
			Severity: SeverityMedium,
		},
		{
			Name:     "destructive_sql",
			Pattern:  regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+(table|database|schema|view|index|user)\b|\bdelete\s+from\b|\binsert\s+into\b|\bupdate\s+\w+\s+set\b`),
			Stage:    StageInput,
			Severity: SeverityHigh,
		},
		{
			Name:     "system_block_injection",
			Pattern:  regexp.MustCompile("(?i)(?:<\\|?system\\|?>|\\[system\\]|<<SYS>>|```system\\b)"),
			Stage:    StageInput,
			Severity: SeverityHigh,
		},
	}
}

// ToolRules returns patterns that indicate injected instructions inside
// database content returned by a tool.
func ToolRules() []Rule {
	return []Rule{
		{
			Name:     "system_prompt_leak",
			Pattern:  regexp.MustCompile(`(?im)^SYSTEM:\s`),
			Stage:    StageTool,
			Severity: SeverityHigh,
		},
		{
			Name:     "role_impersonation",
			Pattern:  regexp.MustCompile(`(?is)\[INST\].{0,1000}?\[/INST\]`),
			Stage:    StageTool,
			Severity: SeverityHigh,
		},
	}
}

// SensitiveRules returns the rule that redacts the literal word "password"
// from every message before it reaches the model.
func SensitiveRules() []Rule {
	return []Rule{{
		Name:     "password_literal",
		Pattern:  regexp.MustCompile(`(?i)password`),
		Stage:    StageInput,
		Severity: SeverityLow,
	}}
}

// DefaultRules returns the built-in input and tool rules plus the embedded
// secret rules for the tool and output stages.
func DefaultRules() ([]Rule, error) {
	toolSecrets, err := SecretRules(StageTool)
	if err != nil {
		return nil, err
	}
	outputSecrets, err := SecretRules(StageOutput)
	if err != nil {
		return nil, err
	}
	return slices.Concat(InputRules(), ToolRules(), toolSecrets, outputSecrets), nil
}

// CompileRules compiles operator-supplied patterns into case-insensitive
// input rules named custom_<n>.
func CompileRules(patterns []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, wardenerr.Wrapf(err, wardenerr.CodeConfigValidateInvalidValue, "guard.block_patterns[%d]", i)
		}
		rules = append(rules, Rule{
			Name:     "custom_" + strconv.Itoa(i),
			Pattern:  re,
			Stage:    StageInput,
			Severity: SeverityHigh,
		})
	}
	return rules, nil
}

//go:embed rules/secrets.yml
var secretsYAML []byte

type secretsFile struct {
	Patterns []struct {
		Pattern secretPattern `yaml:"pattern"`
	} `yaml:"patterns"`
}

type secretPattern struct {
	Name       string `yaml:"name"`
	Regex      string `yaml:"regex"`
	Confidence string `yaml:"confidence"`
}

type compiledSecret struct {
	name    string
	pattern *regexp.Regexp
}

var (
	secretsOnce sync.Once
	secrets     []compiledSecret
	secretsErr  error
)

// SecretRules returns the high-confidence credential patterns from the
// embedded rule file, stamped with stage. The file is parsed once; any
// compile failure is fatal so coverage is never silently reduced.
func SecretRules(stage Stage) ([]Rule, error) {
	secretsOnce.Do(func() {
		var f secretsFile
		if err := yaml.Unmarshal(secretsYAML, &f); err != nil {
			secretsErr = wardenerr.Wrapf(err, wardenerr.CodeConfigParseInvalidFormat, "parsing embedded secret rules")
			return
		}

		seen := make(map[string]bool, len(f.Patterns))
		var failed []string
		for _, entry := range f.Patterns {
			p := entry.Pattern
			if p.Confidence != "high" {
				continue
			}
			name := toSnakeCase(p.Name)
			if seen[name] {
				log.Warn().Str("name", name).Msg("duplicate secret rule name, skipping")
				continue
			}
			seen[name] = true

			re, err := regexp.Compile(p.Regex)
			if err != nil {
				log.Error().Err(err).Str("name", name).Msg("secret rule failed to compile")
				failed = append(failed, name)
				continue
			}
			secrets = append(secrets, compiledSecret{name: name, pattern: re})
		}

		if len(failed) > 0 {
			secretsErr = wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
				"%d secret rule(s) failed to compile: %v", len(failed), failed)
		}
	})

	if secretsErr != nil {
		return nil, secretsErr
	}

	out := make([]Rule, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, Rule{Name: s.name, Pattern: s.pattern, Stage: stage, Severity: SeverityHigh})
	}
	return out, nil
}

// toSnakeCase converts a display name like "AWS Access Key" to "aws_access_key".
func toSnakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
			continue
		}
		if !prevUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
