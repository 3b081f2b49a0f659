// Package secret implements the namespaced secret store: set/get/delete of
// OAuth tokens and named secrets, backed by the OS keyring, a JSON file
// fallback, or an in-memory test double.
package secret

import (
	"fmt"
	"strings"
	"sync"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
	"github.com/zalando/go-keyring"
)

// Namespace enumerates the two kinds of secrets the store holds.
type Namespace string

const (
	NamespaceOAuthToken  Namespace = "oauth_token"
	NamespaceNamedSecret Namespace = "named_secret"
)

// Store is the abstract contract every backend satisfies.
type Store interface {
	Set(ns Namespace, id, value string) error
	Get(ns Namespace, id string) (string, error)
	Delete(ns Namespace, id string) error
	List(ns Namespace) ([]string, error)
}

func key(ns Namespace, id string) string {
	return fmt.Sprintf("%s::%s", ns, id)
}

const serviceName = "mcp-bouncer"
const registryKey = "_mcp_bouncer_secret_registry"

// KeyringStore persists secrets in the OS keyring. A synthetic
// newline-joined registry key simulates enumeration, since go-keyring has
// no native List API.
type KeyringStore struct {
	mu          sync.Mutex
	serviceName string
}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{serviceName: serviceName}
}

func (k *KeyringStore) Set(ns Namespace, id, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	full := key(ns, id)
	if err := keyring.Set(k.serviceName, full, value); err != nil {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "keyring set failed", err)
	}
	return k.addToRegistry(full)
}

func (k *KeyringStore) Get(ns Namespace, id string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	val, err := keyring.Get(k.serviceName, key(ns, id))
	if err != nil {
		return "", bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "keyring get failed", err)
	}
	return val, nil
}

func (k *KeyringStore) Delete(ns Namespace, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	full := key(ns, id)
	if err := keyring.Delete(k.serviceName, full); err != nil && err != keyring.ErrNotFound {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "keyring delete failed", err)
	}
	return k.removeFromRegistry(full)
}

func (k *KeyringStore) List(ns Namespace) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	reg, err := keyring.Get(k.serviceName, registryKey)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "keyring registry read failed", err)
	}
	prefix := string(ns) + "::"
	var out []string
	for _, entry := range strings.Split(reg, "\n") {
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, prefix) {
			out = append(out, strings.TrimPrefix(entry, prefix))
		}
	}
	return out, nil
}

func (k *KeyringStore) addToRegistry(full string) error {
	reg, err := keyring.Get(k.serviceName, registryKey)
	if err != nil && err != keyring.ErrNotFound {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "keyring registry read failed", err)
	}
	entries := map[string]struct{}{}
	for _, e := range strings.Split(reg, "\n") {
		if e != "" {
			entries[e] = struct{}{}
		}
	}
	entries[full] = struct{}{}
	return keyring.Set(k.serviceName, registryKey, joinKeys(entries))
}

func (k *KeyringStore) removeFromRegistry(full string) error {
	reg, err := keyring.Get(k.serviceName, registryKey)
	if err != nil {
		return nil
	}
	entries := map[string]struct{}{}
	for _, e := range strings.Split(reg, "\n") {
		if e != "" && e != full {
			entries[e] = struct{}{}
		}
	}
	return keyring.Set(k.serviceName, registryKey, joinKeys(entries))
}

func joinKeys(m map[string]struct{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, "\n")
}

// MemoryStore is the in-memory test double.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Set(ns Namespace, id, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key(ns, id)] = value
	return nil
}

func (m *MemoryStore) Get(ns Namespace, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key(ns, id)]
	if !ok {
		return "", bouncererr.New(bouncererr.KindInfrastructure, "backend_error", "secret not found")
	}
	return val, nil
}

func (m *MemoryStore) Delete(ns Namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key(ns, id))
	return nil
}

func (m *MemoryStore) List(ns Namespace) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := string(ns) + "::"
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out, nil
}
