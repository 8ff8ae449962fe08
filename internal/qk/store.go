package qk

import "context"

// RecordReader is the read surface the WriteVerifier probes. Each method is
// a distinct query path against the store.
type RecordReader interface {
	// GetRecord looks a record up by its business key (primary key).
	// Returns nil, nil if the record does not exist.
	GetRecord(ctx context.Context, businessKey string) (*Record, error)

	// FindByIdentity looks a record up through the (identity, revision)
	// secondary index. Returns nil, nil if the record does not exist.
	FindByIdentity(ctx context.Context, identity string, revision int) (*Record, error)

	// CountRecords returns the number of records in the store.
	CountRecords(ctx context.Context) (int64, error)
}

// RecordStore is the record surface shared by the local and remote stores.
type RecordStore interface {
	RecordReader

	// PutRecord inserts or replaces a record by business key.
	PutRecord(ctx context.Context, rec *Record) error

	// CreateRecord inserts a record that must not exist yet. It returns an
	// error wrapping ErrDuplicate when the business key or the
	// (identity, revision) pair is taken, and never replaces a row.
	CreateRecord(ctx context.Context, rec *Record) error

	// SearchRecords returns the latest revision of every quotation whose
	// key or payload contains query, newest first, plus the total match count.
	SearchRecords(ctx context.Context, query string, offset, limit int) ([]*Record, int64, error)

	// MaxRevision returns the highest stored revision of an identity, or 0.
	MaxRevision(ctx context.Context, identity string) (int, error)

	// ListChangedSince returns records whose ChangeSeq is greater than
	// after, in ChangeSeq order.
	ListChangedSince(ctx context.Context, after int64) ([]*Record, error)
}

// CounterStore issues sequence numbers with a single atomic increment.
type CounterStore interface {
	// IncrementAtLeast atomically issues max(current, floor) + 1 for
	// patternKey. floor lets a caller skip numbers it already holds records
	// for, so numbers issued while the store was unreachable are not reissued.
	IncrementAtLeast(ctx context.Context, patternKey string, floor int64) (int64, error)
}

// RemoteStore is the shared relational store.
type RemoteStore interface {
	RecordStore
	CounterStore

	// Ping is a cheap reachability probe.
	Ping(ctx context.Context) error
}

// LocalStore is the durable store owned exclusively by DatabaseManager.
type LocalStore interface {
	RecordStore
	CounterStore

	// ListBySyncState returns every record in the given state, oldest first.
	ListBySyncState(ctx context.Context, state SyncState) ([]*Record, error)

	// SetSyncState updates the sync state of one record.
	SetSyncState(ctx context.Context, businessKey string, state SyncState) error

	// ObserveSequence raises the local counter to n if it is lower.
	ObserveSequence(ctx context.Context, patternKey string, n int64) error

	// MaxSequence returns the highest sequence among local records of a pattern.
	MaxSequence(ctx context.Context, patternKey string) (int64, error)

	// AppendSyncLog appends one audit entry. Entries are never updated.
	AppendSyncLog(ctx context.Context, entry *SyncLogEntry) error

	// ListSyncLog returns the most recent entries, newest first.
	ListSyncLog(ctx context.Context, limit int) ([]*SyncLogEntry, error)

	// Checkpoint returns the remote ChangeSeq up to which changes have been
	// reconciled. Zero means no pass has completed yet.
	Checkpoint(ctx context.Context) (int64, error)

	// SetCheckpoint stores a new checkpoint.
	SetCheckpoint(ctx context.Context, seq int64) error

	// Close closes the underlying connection.
	Close() error
}
