package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"quotekeeper/internal/qk"
)

// MemoryProvider keeps objects in memory. It is safe for concurrent use.
type MemoryProvider struct {
	name    string
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	modifiedAt  time.Time
}

var _ qk.Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(name string) *MemoryProvider {
	return &MemoryProvider{
		name:    name,
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryProvider) Name() string { return m.name }

func (m *MemoryProvider) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read object: %w", err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = memoryObject{data: data, contentType: contentType, modifiedAt: time.Now().UTC()}
	return m.location(name), nil
}

func (m *MemoryProvider) Get(ctx context.Context, name string, w io.Writer) error {
	obj, err := m.lookup(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(obj.data)); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

func (m *MemoryProvider) Stat(ctx context.Context, name string) (*qk.ObjectInfo, error) {
	obj, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return &qk.ObjectInfo{
		Name:        name,
		Location:    m.location(name),
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		ModifiedAt:  obj.modifiedAt,
	}, nil
}

func (m *MemoryProvider) ReadHead(ctx context.Context, name string, n int64) ([]byte, error) {
	obj, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if int64(len(obj.data)) < n {
		n = int64(len(obj.data))
	}
	return append([]byte(nil), obj.data[:n]...), nil
}

// ValidateSetup always succeeds for the in-memory provider.
func (m *MemoryProvider) ValidateSetup(ctx context.Context) error {
	return nil
}

// Names returns the stored object names, for tests and diagnostics.
func (m *MemoryProvider) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for name := range m.objects {
		out = append(out, name)
	}
	return out
}

func (m *MemoryProvider) lookup(name string) (memoryObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	if !ok {
		return memoryObject{}, fmt.Errorf("%s/%s: %w", m.name, name, qk.ErrObjectNotFound)
	}
	return obj, nil
}

func (m *MemoryProvider) location(name string) string {
	return "memory://" + m.name + "/" + name
}
