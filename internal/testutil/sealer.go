package testutil

import (
	"quotekeeper/internal/encryption"
	"quotekeeper/internal/qk"
)

// NewTestSealer creates a header-only sealer for tests.
func NewTestSealer() qk.Sealer {
	return encryption.NewTestSealer()
}
