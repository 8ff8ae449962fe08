package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"quotekeeper/internal/qk"
)

// FileSystemProvider stores objects as files in a single directory. It is
// normally the emergency provider: a local disk or a mounted USB drive.
type FileSystemProvider struct {
	name string
	root string
}

var _ qk.Provider = (*FileSystemProvider)(nil)

// NewFileSystemProvider creates a provider rooted at root, creating the
// directory if needed.
func NewFileSystemProvider(name, root string) (*FileSystemProvider, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create provider root: %w", err)
	}
	return &FileSystemProvider{name: name, root: root}, nil
}

func (p *FileSystemProvider) Name() string { return p.name }

// Put writes the object atomically (temp file + rename).
func (p *FileSystemProvider) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	dest, err := p.path(name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(p.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return dest, nil
}

func (p *FileSystemProvider) Get(ctx context.Context, name string, w io.Writer) error {
	f, err := p.open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

func (p *FileSystemProvider) Stat(ctx context.Context, name string) (*qk.ObjectInfo, error) {
	path, err := p.path(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", p.name, name, qk.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &qk.ObjectInfo{
		Name:        name,
		Location:    path,
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		ModifiedAt:  info.ModTime().UTC(),
	}, nil
}

func (p *FileSystemProvider) ReadHead(ctx context.Context, name string, n int64) ([]byte, error) {
	f, err := p.open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return head, nil
}

// ValidateSetup checks that the root is a writable directory.
func (p *FileSystemProvider) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("provider root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("provider root is not a directory: %s", p.root)
	}

	probe, err := os.CreateTemp(p.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("provider root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// path maps an object name to a file inside root. Names with path
// separators are rejected.
func (p *FileSystemProvider) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(p.root, name), nil
}

func (p *FileSystemProvider) open(name string) (*os.File, error) {
	path, err := p.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", p.name, name, qk.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}
