package qk

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name        string
	Location    string // URL or path the object can be retrieved from
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Provider is a place attachment objects can be stored in.
// Implementations return ErrObjectNotFound for missing objects.
type Provider interface {
	// Name identifies the provider in attachment locations and logs.
	Name() string

	// Put stores the object and returns its location.
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)

	// Get writes the object's content to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// Stat returns the object's metadata.
	Stat(ctx context.Context, name string) (*ObjectInfo, error)

	// ReadHead returns up to n leading bytes of the object.
	ReadHead(ctx context.Context, name string, n int64) ([]byte, error)

	// ValidateSetup checks that the provider is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// UploadVerifier is implemented by providers whose Stat and ReadHead cannot
// always see the stored plaintext. The router calls VerifyUpload after Put
// instead of reading the object back.
type UploadVerifier interface {
	// VerifyUpload confirms that the object written by Put holds size bytes
	// of PDF content, as far as the provider can tell.
	VerifyUpload(ctx context.Context, name string, size int64) error
}
