// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"slices"

	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/zalando/go-keyring"
)

// indexKey holds a JSON array of the key names stored for a service, since
// OS keyrings cannot enumerate entries.
const indexKey = "::index"

// KeyringStore implements Store on the OS keyring (Keychain, Secret Service
// or Windows Credential Manager).
type KeyringStore struct{}

// NewKeyringStore returns a KeyringStore.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) Store(service, key, value string) error {
	if err := checkRef("store", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return s.updateIndex(service, func(keys []string) []string {
		if slices.Contains(keys, key) {
			return keys
		}
		return append(keys, key)
	})
}

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if err := checkRef("retrieve", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", notFound(service, key)
	}
	if err != nil {
		return "", wardenerr.Wrapf(err, wardenerr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return notFound(service, key)
	}
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}
	return s.updateIndex(service, func(keys []string) []string {
		return slices.DeleteFunc(keys, func(k string) bool { return k == key })
	})
}

// List returns the stored key names in sorted order.
func (s *KeyringStore) List(service string) ([]string, error) {
	keys, err := s.index(service)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *KeyringStore) index(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecretListFailure, "loading key index for %s", service)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecretListFailure, "decoding key index for %s", service)
	}
	return keys, nil
}

func (s *KeyringStore) updateIndex(service string, edit func([]string) []string) error {
	keys, err := s.index(service)
	if err != nil {
		return err
	}
	keys = edit(keys)

	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			log.Debug().Err(err).Str("service", service).Msg("removing empty key index failed")
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeSecretListFailure, "encoding key index for %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeSecretListFailure, "saving key index for %s", service)
	}
	return nil
}
