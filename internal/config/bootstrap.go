// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package config

import (
	_ "embed"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

//go:embed sqlwarden.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/sqlwarden/sqlwarden.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sqlwarden", "sqlwarden.yaml"), nil
}

// BootstrapConfig writes the default commented config to path if it does not
// already exist. Returns the path written, or empty string if the file already
// existed or an error occurred (non-fatal, logged and skipped).
func BootstrapConfig() string {
	cfgPath, err := DefaultConfigPath()
	if err != nil {
		log.Debug().Err(err).Msg("skipping config bootstrap")
		return ""
	}

	if _, err := os.Stat(cfgPath); err == nil {
		return ""
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Debug().Err(err).Str("path", dir).Msg("skipping config bootstrap: cannot create directory")
		return ""
	}

	if err := os.WriteFile(cfgPath, DefaultConfigYAML, 0o600); err != nil {
		log.Debug().Err(err).Str("path", cfgPath).Msg("skipping config bootstrap: cannot write config")
		return ""
	}

	log.Info().Str("path", cfgPath).Msg("created default config")
	return cfgPath
}
