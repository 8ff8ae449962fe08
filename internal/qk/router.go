package qk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	RoleCloud     = "cloud"
	RoleEmergency = "emergency"

	pdfMimeType = "application/pdf"
	sniffLen    = 512
)

// FoundAttachment is where Find located an attachment.
type FoundAttachment struct {
	Provider   string
	ObjectName string
	Location   string
	Size       int64
}

// ProviderStatus is the outcome of validating one provider.
type ProviderStatus struct {
	Name  string
	Role  string
	Error string // empty when the provider validated
}

// StorageRouter stores attachments across an ordered list of cloud providers
// plus one local emergency provider, and locates them again later.
type StorageRouter struct {
	clouds    []Provider
	emergency Provider // may be nil
	timeout   time.Duration
	logger    Logger
	clock     Clock
}

// NewStorageRouter creates a router. clouds are tried in order.
func NewStorageRouter(clouds []Provider, emergency Provider, timeout time.Duration, logger Logger, clock Clock) *StorageRouter {
	return &StorageRouter{
		clouds:    clouds,
		emergency: emergency,
		timeout:   timeout,
		logger:    logger,
		clock:     clock,
	}
}

func (r *StorageRouter) providers() []Provider {
	out := append([]Provider(nil), r.clouds...)
	if r.emergency != nil {
		out = append(out, r.emergency)
	}
	return out
}

// Store uploads a PDF for businessKey. The first cloud provider that accepts
// and verifies the upload gets it; the emergency provider always gets a copy
// as well. prev is the attachment currently on the record, if any: when it
// is verified and its hash matches, nothing is uploaded.
//
// An error is returned only when no provider holds a verified copy.
func (r *StorageRouter) Store(ctx context.Context, businessKey string, data []byte, prev *Attachment) (*Attachment, error) {
	if !isPDF(data) {
		return nil, fmt.Errorf("storing attachment for %s: content is not a PDF", businessKey)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if prev != nil && prev.Verified && prev.ContentHash == hash {
		r.logger.Debug("attachment unchanged, skipping upload", "key", businessKey)
		return prev.Clone(), nil
	}

	name := ObjectName(businessKey)
	att := &Attachment{
		BusinessKey: businessKey,
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
		MimeType:    pdfMimeType,
		Locations:   make(map[string]string),
		StoredAt:    r.clock.Now(),
	}

	for _, p := range r.clouds {
		loc, err := r.upload(ctx, p, name, data)
		if err != nil {
			r.logger.Warn("cloud upload failed, trying next provider", "provider", p.Name(), "key", businessKey, "error", err)
			continue
		}
		att.Locations[p.Name()] = loc
		break
	}

	if r.emergency != nil {
		loc, err := r.upload(ctx, r.emergency, name, data)
		if err != nil {
			r.logger.Error("emergency copy failed", "provider", r.emergency.Name(), "key", businessKey, "error", err)
		} else {
			att.Locations[r.emergency.Name()] = loc
		}
	}

	if len(att.Locations) == 0 {
		return nil, fmt.Errorf("storing attachment for %s: no provider accepted it", businessKey)
	}
	att.Verified = true

	r.logger.Info("attachment stored", "key", businessKey, "copies", len(att.Locations))
	return att, nil
}

// upload puts the object and verifies it landed intact.
func (r *StorageRouter) upload(ctx context.Context, p Provider, name string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	loc, err := p.Put(ctx, name, bytes.NewReader(data), int64(len(data)), pdfMimeType)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	if v, ok := p.(UploadVerifier); ok {
		if err := v.VerifyUpload(ctx, name, int64(len(data))); err != nil {
			return "", fmt.Errorf("verifying %s: %w", name, err)
		}
		return loc, nil
	}

	info, err := p.Stat(ctx, name)
	if err != nil {
		return "", fmt.Errorf("verifying %s: %w", name, err)
	}
	if info.Size != int64(len(data)) {
		return "", fmt.Errorf("verifying %s: stored %d bytes, want %d", name, info.Size, len(data))
	}

	head, err := p.ReadHead(ctx, name, sniffLen)
	if err != nil {
		return "", fmt.Errorf("verifying %s: %w", name, err)
	}
	if !isPDF(head) {
		return "", fmt.Errorf("verifying %s: stored object is not a PDF", name)
	}
	return loc, nil
}

// Find locates the attachment of businessKey, probing providers in priority
// order and every name variant within each provider. A provider that errors
// is skipped for the remaining variants.
func (r *StorageRouter) Find(ctx context.Context, businessKey string) (*FoundAttachment, error) {
	variants := NameVariants(businessKey)

	for _, p := range r.providers() {
		found, err := r.findIn(ctx, p, variants)
		if err != nil {
			r.logger.Warn("provider unavailable during lookup, trying next", "provider", p.Name(), "key", businessKey, "error", err)
			continue
		}
		if found != nil {
			r.logger.Debug("attachment found", "provider", p.Name(), "object", found.ObjectName)
			return found, nil
		}
	}

	return nil, fmt.Errorf("%s: %w", businessKey, ErrAttachmentNotFound)
}

// findIn returns nil, nil when p holds none of the variants.
func (r *StorageRouter) findIn(ctx context.Context, p Provider, variants []string) (*FoundAttachment, error) {
	for _, name := range variants {
		found, err := r.probe(ctx, p, name)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

func (r *StorageRouter) probe(ctx context.Context, p Provider, name string) (*FoundAttachment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	info, err := p.Stat(ctx, name)
	if err != nil {
		return nil, err
	}

	head, err := p.ReadHead(ctx, name, sniffLen)
	if err != nil {
		return nil, err
	}
	if !isPDF(head) {
		r.logger.Warn("object is not a PDF, ignoring", "provider", p.Name(), "object", name)
		return nil, nil
	}

	return &FoundAttachment{
		Provider:   p.Name(),
		ObjectName: name,
		Location:   info.Location,
		Size:       info.Size,
	}, nil
}

// Fetch finds the attachment of businessKey and writes its content to w.
func (r *StorageRouter) Fetch(ctx context.Context, businessKey string, w io.Writer) (*FoundAttachment, error) {
	found, err := r.Find(ctx, businessKey)
	if err != nil {
		return nil, err
	}

	for _, p := range r.providers() {
		if p.Name() != found.Provider {
			continue
		}
		gctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := p.Get(gctx, found.ObjectName, w); err != nil {
			return nil, fmt.Errorf("fetching %s from %s: %w", found.ObjectName, p.Name(), err)
		}
		return found, nil
	}
	return nil, fmt.Errorf("fetching %s: provider %s vanished", businessKey, found.Provider)
}

// Status validates every provider.
func (r *StorageRouter) Status(ctx context.Context) []ProviderStatus {
	var out []ProviderStatus
	check := func(p Provider, role string) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		st := ProviderStatus{Name: p.Name(), Role: role}
		if err := p.ValidateSetup(ctx); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}

	for _, p := range r.clouds {
		check(p, RoleCloud)
	}
	if r.emergency != nil {
		check(r.emergency, RoleEmergency)
	}
	return out
}

func isPDF(head []byte) bool {
	return http.DetectContentType(head) == pdfMimeType
}
