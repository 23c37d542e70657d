// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package contextsrc

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
)

// ReadyFile is the curated summary placed ahead of every other semantic
// document.
const ReadyFile = "ready_files.md"

// SemanticProvider injects the markdown documents of a directory.
type SemanticProvider struct {
	dir   string
	limit int
}

// NewSemanticProvider reads *.md files from dir, clipping the combined text
// to limit characters.
func NewSemanticProvider(dir string, limit int) *SemanticProvider {
	return &SemanticProvider{dir: dir, limit: limit}
}

func (p *SemanticProvider) Name() string { return "semantic" }

// Sources lists the markdown files in injection order: ReadyFile first,
// then the rest by name.
func (p *SemanticProvider) Sources() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(p.dir, "*.md"))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(paths, func(a, b string) int {
		ra, rb := filepath.Base(a) == ReadyFile, filepath.Base(b) == ReadyFile
		switch {
		case ra && !rb:
			return -1
		case rb && !ra:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
	return paths, nil
}

// ContextText implements Provider.
func (p *SemanticProvider) ContextText(ctx context.Context) string {
	if p.dir == "" {
		return ""
	}
	paths, err := p.Sources()
	if err != nil {
		log.Warn().Err(err).Func(telemetry.LogTraceFields(ctx)).Str("dir", p.dir).Msg("listing semantic sources")
		return ""
	}

	var parts []string
	sawReady := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Func(telemetry.LogTraceFields(ctx)).Str("path", path).Msg("reading semantic source")
			continue
		}
		name := filepath.Base(path)
		sawReady = sawReady || name == ReadyFile
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, "# Source: "+name+"\n"+text)
		}
	}
	if !sawReady {
		log.Debug().Func(telemetry.LogTraceFields(ctx)).Str("dir", p.dir).Msg(ReadyFile + " missing from semantic sources")
	}
	return clip(strings.Join(parts, "\n\n"), p.limit)
}
