package testutil

import (
	"context"
	"io"
	"sync"

	"quotekeeper/internal/provider"
	"quotekeeper/internal/qk"
)

// FlakyProvider wraps an in-memory provider and can be switched to fail
// every call, simulating an unreachable cloud.
type FlakyProvider struct {
	*provider.MemoryProvider

	mu   sync.Mutex
	err  error
	puts int
}

var _ qk.Provider = (*FlakyProvider)(nil)

// NewFlakyProvider creates a healthy in-memory provider.
func NewFlakyProvider(name string) *FlakyProvider {
	return &FlakyProvider{MemoryProvider: provider.NewMemoryProvider(name)}
}

// Fail makes every subsequent call return err. Pass nil to recover.
func (p *FlakyProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Puts returns the number of Put calls, including failed ones.
func (p *FlakyProvider) Puts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.puts
}

func (p *FlakyProvider) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *FlakyProvider) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	p.mu.Lock()
	p.puts++
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return p.MemoryProvider.Put(ctx, name, r, size, contentType)
}

func (p *FlakyProvider) Get(ctx context.Context, name string, w io.Writer) error {
	if err := p.failure(); err != nil {
		return err
	}
	return p.MemoryProvider.Get(ctx, name, w)
}

func (p *FlakyProvider) Stat(ctx context.Context, name string) (*qk.ObjectInfo, error) {
	if err := p.failure(); err != nil {
		return nil, err
	}
	return p.MemoryProvider.Stat(ctx, name)
}

func (p *FlakyProvider) ReadHead(ctx context.Context, name string, n int64) ([]byte, error) {
	if err := p.failure(); err != nil {
		return nil, err
	}
	return p.MemoryProvider.ReadHead(ctx, name, n)
}

func (p *FlakyProvider) ValidateSetup(ctx context.Context) error {
	if err := p.failure(); err != nil {
		return err
	}
	return p.MemoryProvider.ValidateSetup(ctx)
}
