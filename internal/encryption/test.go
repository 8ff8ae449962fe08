package encryption

import (
	"bytes"
	"fmt"
	"io"

	"quotekeeper/internal/qk"
)

// sealHeader marks data sealed by TestSealer.
var sealHeader = []byte("QKSEAL\x00\x01")

// TestSealer is a deterministic stand-in for AgeSealer. It prepends a fixed
// header when sealing and strips it when opening, so sealed bytes differ from
// plaintext without any cryptography.
type TestSealer struct {
	setupCalled bool
}

var _ qk.Sealer = (*TestSealer)(nil)

// NewTestSealer creates a new TestSealer.
func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (s *TestSealer) Setup(passphrase string) error {
	s.setupCalled = true
	return nil
}

func (s *TestSealer) Seal(r io.Reader, w io.Writer) error {
	if _, err := w.Write(sealHeader); err != nil {
		return fmt.Errorf("writing seal header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (s *TestSealer) Unlock(passphrase string) (qk.Opener, error) {
	return TestOpener{}, nil
}

func (s *TestSealer) IsConfigured() bool {
	return true
}

func (s *TestSealer) Header() []byte {
	return sealHeader
}

// TestOpener strips the header added by TestSealer.
type TestOpener struct{}

var _ qk.Opener = TestOpener{}

func (TestOpener) Open(r io.Reader) (io.Reader, error) {
	header := make([]byte, len(sealHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading seal header: %w", err)
	}
	if !bytes.Equal(header, sealHeader) {
		return nil, fmt.Errorf("invalid seal header")
	}
	return r, nil
}
