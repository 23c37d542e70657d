// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package secrets

import (
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/spf13/viper"
)

const keyringScheme = "keyring://"

// IsURI reports whether value is a keyring://service/key reference.
func IsURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseURI splits a keyring://service/key reference. The key may itself
// contain slashes.
func ParseURI(uri string) (service, key string, err error) {
	if !IsURI(uri) {
		return "", "", wardenerr.Errorf(wardenerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, keyringScheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", wardenerr.Errorf(wardenerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns the secret a keyring URI refers to, or value unchanged when
// it is not a keyring URI.
func Resolve(store Store, value string) (string, error) {
	if !IsURI(value) {
		return value, nil
	}
	service, key, err := ParseURI(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Retrieve(service, key)
	if err != nil {
		return "", wardenerr.Wrapf(err, wardenerr.CodeSecretResolveFailure, "resolving %s", value)
	}
	return secret, nil
}

// ResolveViper replaces every keyring URI among v's string values with the
// stored secret. Keys that could not be resolved keep the URI and are
// returned sorted, so config validation can report them by name.
func ResolveViper(v *viper.Viper, store Store) []string {
	var unresolved []string
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !IsURI(val) {
			continue
		}
		secret, err := Resolve(store, val)
		if err != nil {
			log.Warn().Err(err).Str("config_key", key).Msg("keyring reference not resolved")
			unresolved = append(unresolved, key)
			continue
		}
		v.Set(key, secret)
	}
	slices.Sort(unresolved)
	return unresolved
}
