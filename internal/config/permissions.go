// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

//go:build !windows

package config

import (
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
)

// WarnInsecurePermissions checks if the config file has overly permissive
// permissions (group- or world-readable) and logs a warning if so. The file
// may hold LLM API keys and database credentials; startup is not failed.
func WarnInsecurePermissions(path string) {
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("could not stat config file for permission check")
		return
	}

	mode := info.Mode()
	perm := mode.Perm()

	const groupRead fs.FileMode = 0o040
	const otherRead fs.FileMode = 0o004

	if perm&(groupRead|otherRead) != 0 {
		log.Warn().
			Str("path", path).
			Str("mode", mode.String()).
			Str("recommended", "0600").
			Msg("config file has insecure permissions, credentials may be exposed to other users")
	}
}
