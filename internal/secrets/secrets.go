// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package secrets keeps credentials such as the LLM API key and the database
// DSN out of sqlwarden.yaml. Config values of the form
// keyring://service/key are replaced with the stored secret at load time.
package secrets

import (
	"slices"
	"sync"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Service is the keyring service sqlwarden stores its own secrets under.
const Service = "sqlwarden"

// Well-known secret keys written by `sqlwarden init` and `sqlwarden secret set`.
const (
	KeyLLMAPIKey   = "llm-api-key"
	KeyDatabaseDSN = "database-dsn"
	KeyRedisURL    = "redis-url"
)

// Store provides secret storage operations. Retrieve and Delete return a
// CodeSecretNotFound error when the key does not exist.
type Store interface {
	Store(service, key, value string) error
	Retrieve(service, key string) (string, error)
	Delete(service, key string) error
	List(service string) ([]string, error)
}

// URI returns the config reference for key under Service.
func URI(key string) string {
	return keyringScheme + Service + "/" + key
}

// MemoryStore is a process-local Store, used when no OS keyring is available.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]map[string]string)}
}

func (m *MemoryStore) Store(service, key, value string) error {
	if err := checkRef("store", service, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets[service] == nil {
		m.secrets[service] = make(map[string]string)
	}
	m.secrets[service][key] = value
	return nil
}

func (m *MemoryStore) Retrieve(service, key string) (string, error) {
	if err := checkRef("retrieve", service, key); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[service][key]
	if !ok {
		return "", notFound(service, key)
	}
	return v, nil
}

func (m *MemoryStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[service][key]; !ok {
		return notFound(service, key)
	}
	delete(m.secrets[service], key)
	return nil
}

func (m *MemoryStore) List(service string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets[service]))
	for k := range m.secrets[service] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func checkRef(op, service, key string) error {
	if service == "" {
		return wardenerr.New(wardenerr.CodeSecretInvalidInput, "secret "+op+": service must not be empty")
	}
	if key == "" {
		return wardenerr.New(wardenerr.CodeSecretInvalidInput, "secret "+op+": key must not be empty")
	}
	return nil
}

func notFound(service, key string) error {
	return wardenerr.Errorf(wardenerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
}
