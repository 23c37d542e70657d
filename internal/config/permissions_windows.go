// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

//go:build windows

package config

import "github.com/rs/zerolog/log"

// WarnInsecurePermissions is a no-op on Windows.
// Windows uses ACLs rather than Unix mode bits, so this check is not applicable.
func WarnInsecurePermissions(path string) {
	if path != "" {
		log.Debug().Str("path", path).Msg("config permission check not implemented on Windows")
	}
}
