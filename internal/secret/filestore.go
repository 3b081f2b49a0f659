package secret

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/catkins/mcp-bouncer/internal/bouncererr"
)

// FileStore is the fallback backend used when no OS keyring is available.
// OAuth tokens land in oauth.json under the config directory as
// server_name -> {data, expires_at}; named secrets land in a sibling
// named_secrets.json as a flat string map.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (f *FileStore) path(ns Namespace) string {
	if ns == NamespaceOAuthToken {
		return filepath.Join(f.baseDir, "oauth.json")
	}
	return filepath.Join(f.baseDir, "named_secrets.json")
}

func (f *FileStore) load(ns Namespace) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path(ns))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "read secret file", err)
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "parse secret file", err)
	}
	return out, nil
}

func (f *FileStore) save(ns Namespace, entries map[string]json.RawMessage) error {
	if err := os.MkdirAll(f.baseDir, 0o700); err != nil {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "create secret dir", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "marshal secret file", err)
	}
	tmp := f.path(ns) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return bouncererr.Wrap(bouncererr.KindInfrastructure, "backend_error", "write secret file", err)
	}
	return os.Rename(tmp, f.path(ns))
}

// encode keeps oauth.json human-readable: an OAuth credential value is
// itself JSON and is stored as the parsed object, not a quoted string.
func encode(ns Namespace, value string) json.RawMessage {
	if ns == NamespaceOAuthToken && json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	quoted, _ := json.Marshal(value)
	return quoted
}

func decode(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (f *FileStore) Set(ns Namespace, id, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load(ns)
	if err != nil {
		return err
	}
	entries[id] = encode(ns, value)
	return f.save(ns, entries)
}

func (f *FileStore) Get(ns Namespace, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load(ns)
	if err != nil {
		return "", err
	}
	raw, ok := entries[id]
	if !ok {
		return "", bouncererr.New(bouncererr.KindInfrastructure, "backend_error", "secret not found")
	}
	return decode(raw), nil
}

func (f *FileStore) Delete(ns Namespace, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load(ns)
	if err != nil {
		return err
	}
	if _, ok := entries[id]; !ok {
		return nil
	}
	delete(entries, id)
	return f.save(ns, entries)
}

func (f *FileStore) List(ns Namespace) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load(ns)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for id := range entries {
		out = append(out, id)
	}
	return out, nil
}
