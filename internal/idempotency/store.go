// Package idempotency remembers the response to an action submission so a
// retried request with the same key is answered without signing again.
package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"vaultops/internal/config"
)

// ErrKeyReused is returned when a key is presented with a different request.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// namespace scopes request fingerprints.
var namespace = uuid.MustParse("6f1d8a52-3c0e-4b8e-9a57-1f0b7c3e2d41")

// Record holds a stored action response.
type Record struct {
	Vault       string    `json:"vault"`
	Operation   string    `json:"operation"`
	Fingerprint string    `json:"fingerprint"`
	TxHash      string    `json:"txHash,omitempty"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r *Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Matches reports whether the stored record answers the given request.
func (r *Record) Matches(fingerprint string) error {
	if r.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	return nil
}

// Fingerprint derives a stable identifier for a request body bound to a
// vault and operation.
func Fingerprint(vault, operation string, body []byte) string {
	data := make([]byte, 0, len(vault)+len(operation)+len(body)+2)
	data = append(data, vault...)
	data = append(data, 0)
	data = append(data, operation...)
	data = append(data, 0)
	data = append(data, body...)
	return uuid.NewSHA1(namespace, data).String()
}

// Store abstracts idempotency persistence. Get returns nil for unknown or
// expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Ping(ctx context.Context) error
	Close()
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	case config.StoreFile:
		return NewFileStore(cfg.Path)
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close()                     {}

// FileStore persists records to a JSON file. Suitable for a single local
// instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist drops expired records and rewrites the file atomically.
func (f *FileStore) persist() error {
	now := time.Now()
	for k, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, k)
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return errors.Wrap(f.persist(), "persist idempotency file")
}

// Ping checks the directory is still writable.
func (f *FileStore) Ping(context.Context) error {
	dir := filepath.Dir(f.path)
	probe, err := os.CreateTemp(dir, ".ping-*")
	if err != nil {
		return errors.Wrapf(err, "idempotency dir %s", dir)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func (f *FileStore) Close() {}
