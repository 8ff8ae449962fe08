package qk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SyncState describes whether a record has reached the remote store.
type SyncState string

const (
	SyncLocalOnly SyncState = "local_only"
	SyncSynced    SyncState = "synced"
	SyncConflict  SyncState = "conflict"
)

// Valid reports whether s is one of the known sync states.
func (s SyncState) Valid() bool {
	switch s {
	case SyncLocalOnly, SyncSynced, SyncConflict:
		return true
	}
	return false
}

// Record is a single revision of a quotation.
// Payload is opaque to this layer: it is stored and compared, never interpreted.
type Record struct {
	BusinessKey string
	Identity    string // business key without the revision segment
	Revision    int
	Payload     json.RawMessage
	CreatedAt   time.Time
	ModifiedAt  time.Time
	SyncState   SyncState
	Attachment  *Attachment // nil until a PDF has been stored

	// ChangeSeq is the store's position for the record's last write, assigned
	// by the store on every PutRecord and CreateRecord. Reconciliation pages
	// through remote changes by it.
	ChangeSeq int64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	c.Attachment = r.Attachment.Clone()
	return &c
}

// PayloadDigest returns a stable digest of the record's payload.
func (r *Record) PayloadDigest() string {
	return PayloadDigest(r.Payload)
}

// PayloadDigest hashes a canonical form of a JSON document. Object keys are
// sorted and insignificant whitespace dropped, so a payload that round-tripped
// through a JSONB column hashes the same as the original. Invalid JSON is
// hashed byte for byte.
func PayloadDigest(payload json.RawMessage) string {
	canonical := payload
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// SamePayload reports whether two records carry the same document.
func SamePayload(a, b *Record) bool {
	return a.PayloadDigest() == b.PayloadDigest()
}

// Attachment describes the generated PDF bound to a record.
type Attachment struct {
	BusinessKey string            `json:"business_key"`
	ContentHash string            `json:"content_hash"`
	SizeBytes   int64             `json:"size_bytes"`
	MimeType    string            `json:"mime_type"`
	Locations   map[string]string `json:"locations"` // provider name -> URL or path
	Verified    bool              `json:"verified"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Clone returns a deep copy of the attachment.
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	c := *a
	c.Locations = make(map[string]string, len(a.Locations))
	for k, v := range a.Locations {
		c.Locations[k] = v
	}
	return &c
}

// SyncDirection is the direction of a reconciliation step.
type SyncDirection string

const (
	DirectionUpload   SyncDirection = "upload"
	DirectionDownload SyncDirection = "download"
)

// SyncOutcome is the result of a reconciliation step.
type SyncOutcome string

const (
	OutcomeApplied          SyncOutcome = "applied"
	OutcomeConflictResolved SyncOutcome = "conflict_resolved"
	OutcomeSkipped          SyncOutcome = "skipped"
	OutcomeError            SyncOutcome = "error"
)

// SyncLogEntry is an append-only audit record of one reconciliation step.
// LosingPayload holds the discarded side of a last-write-wins resolution.
type SyncLogEntry struct {
	ID               string
	LoggedAt         time.Time
	Direction        SyncDirection
	Outcome          SyncOutcome
	BusinessKeys     []string
	LocalModifiedAt  *time.Time
	RemoteModifiedAt *time.Time
	Detail           string
	LosingPayload    json.RawMessage
}
