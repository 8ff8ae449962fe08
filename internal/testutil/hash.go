package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SHA256Hex returns the SHA-256 checksum of data as a lowercase hex string.
// Matches the ContentHash format of stored attachments.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// PDF returns a minimal document that sniffs as application/pdf. body makes
// the content unique.
func PDF(body string) []byte {
	return []byte(fmt.Sprintf("%%PDF-1.4\n%% %s\n%%%%EOF\n", body))
}
