package qk

import "io"

// Sealer encrypts attachment objects before they are handed to a provider
// that should not see plaintext. Sealing needs only the public key; opening
// needs the private key, which is protected by a passphrase.
type Sealer interface {
	// Setup generates and stores a key pair, protecting the private key with
	// passphrase. Called by "keys init".
	Setup(passphrase string) error

	// Seal encrypts data read from r and writes ciphertext to w.
	Seal(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns an Opener holding it in
	// memory. Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (Opener, error)

	// IsConfigured returns true if the key files exist.
	IsConfigured() bool

	// Header returns the fixed leading bytes of every sealed stream.
	Header() []byte
}

// Opener decrypts sealed objects.
type Opener interface {
	// Open returns a reader yielding the plaintext of the sealed stream r.
	Open(r io.Reader) (io.Reader, error)
}
