// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// SemanticDoc is one markdown document injected into prompts.
type SemanticDoc struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type semanticDocsOutput struct {
	Body struct {
		Docs []SemanticDoc `json:"docs"`
	}
}

type semanticModelOutput struct {
	Body *contextsrc.SemanticModel
}

func (s *Server) handleSemanticDocs(ctx context.Context, _ *struct{}) (*semanticDocsOutput, error) {
	out := &semanticDocsOutput{}
	out.Body.Docs = []SemanticDoc{}
	if s.services.Semantic == nil {
		return out, nil
	}

	paths, err := s.services.Semantic.Sources()
	if err != nil {
		return nil, apiError(ctx, wardenerr.Wrap(err, wardenerr.CodePromptContextLoadError, "listing semantic docs"))
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apiError(ctx, wardenerr.Wrapf(err, wardenerr.CodePromptContextLoadError, "reading %s", filepath.Base(path)))
		}
		out.Body.Docs = append(out.Body.Docs, SemanticDoc{Name: filepath.Base(path), Content: string(data)})
	}
	return out, nil
}

func (s *Server) handleSemanticModel(ctx context.Context, _ *struct{}) (*semanticModelOutput, error) {
	if s.services.MetadataFile == "" {
		return nil, apiError(ctx, wardenerr.New(wardenerr.CodeServerEntityNotFound, "no semantic model configured"))
	}

	model, err := contextsrc.LoadSemanticModel(s.services.MetadataFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, apiError(ctx, wardenerr.New(wardenerr.CodeServerEntityNotFound, "semantic model file not found"))
	case err != nil:
		return nil, apiError(ctx, wardenerr.Wrap(err, wardenerr.CodePromptContextLoadError, "loading semantic model"))
	}
	return &semanticModelOutput{Body: model}, nil
}
