package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"quotekeeper/internal/qk"
)

// ErrLocked is returned when a sealed provider has to read plaintext but no
// Opener was supplied.
var ErrLocked = errors.New("sealed provider is locked")

// SealedProvider encrypts objects before handing them to the wrapped
// provider. Reads decrypt with the Opener, so Stat and ReadHead report
// plaintext size and content.
type SealedProvider struct {
	inner  qk.Provider
	sealer qk.Sealer
	opener qk.Opener // nil when locked
}

var (
	_ qk.Provider       = (*SealedProvider)(nil)
	_ qk.UploadVerifier = (*SealedProvider)(nil)
)

var pdfMagic = []byte("%PDF-")

// NewSealedProvider wraps inner. opener may be nil, in which case writes
// succeed but every read returns ErrLocked.
func NewSealedProvider(inner qk.Provider, sealer qk.Sealer, opener qk.Opener) *SealedProvider {
	return &SealedProvider{inner: inner, sealer: sealer, opener: opener}
}

func (p *SealedProvider) Name() string { return p.inner.Name() }

func (p *SealedProvider) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	var sealed bytes.Buffer
	if err := p.sealer.Seal(r, &sealed); err != nil {
		return "", fmt.Errorf("sealing %s: %w", name, err)
	}
	return p.inner.Put(ctx, name, &sealed, int64(sealed.Len()), contentType)
}

func (p *SealedProvider) Get(ctx context.Context, name string, w io.Writer) error {
	plain, err := p.open(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, plain); err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	return nil
}

func (p *SealedProvider) Stat(ctx context.Context, name string) (*qk.ObjectInfo, error) {
	info, err := p.inner.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	plain, err := p.open(ctx, name)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(io.Discard, plain)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	info.Size = size
	return info, nil
}

func (p *SealedProvider) ReadHead(ctx context.Context, name string, n int64) ([]byte, error) {
	plain, err := p.open(ctx, name)
	if err != nil {
		return nil, err
	}
	head, err := io.ReadAll(io.LimitReader(plain, n))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return head, nil
}

// VerifyUpload checks the stored ciphertext: it must exist, start with the
// sealer's header and be larger than the plaintext. When unlocked it also
// checks the plaintext size and that it opens as a PDF.
func (p *SealedProvider) VerifyUpload(ctx context.Context, name string, size int64) error {
	header := p.sealer.Header()

	info, err := p.inner.Stat(ctx, name)
	if err != nil {
		return err
	}
	if info.Size < size+int64(len(header)) {
		return fmt.Errorf("sealed object is %d bytes, too small for %d bytes of plaintext", info.Size, size)
	}

	head, err := p.inner.ReadHead(ctx, name, int64(len(header)))
	if err != nil {
		return err
	}
	if !bytes.Equal(head, header) {
		return fmt.Errorf("stored object is not sealed")
	}

	if p.opener == nil {
		return nil
	}

	plain, err := p.open(ctx, name)
	if err != nil {
		return err
	}
	var content bytes.Buffer
	n, err := io.Copy(&content, plain)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("stored %d bytes, want %d", n, size)
	}
	if !bytes.HasPrefix(content.Bytes(), pdfMagic) {
		return fmt.Errorf("stored object is not a PDF")
	}
	return nil
}

func (p *SealedProvider) ValidateSetup(ctx context.Context) error {
	if !p.sealer.IsConfigured() {
		return fmt.Errorf("sealed provider %s: encryption keys not initialized", p.Name())
	}
	return p.inner.ValidateSetup(ctx)
}

func (p *SealedProvider) open(ctx context.Context, name string) (io.Reader, error) {
	if p.opener == nil {
		return nil, fmt.Errorf("%s/%s: %w", p.Name(), name, ErrLocked)
	}
	var sealed bytes.Buffer
	if err := p.inner.Get(ctx, name, &sealed); err != nil {
		return nil, err
	}
	plain, err := p.opener.Open(&sealed)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return plain, nil
}
