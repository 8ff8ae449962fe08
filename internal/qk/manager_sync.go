package qk

import (
	"context"
	"errors"
	"fmt"
)

// The methods in this file are the store access the SyncScheduler needs.

// PendingUploads returns local records that still need to reach the remote
// store: local_only records and conflicts left unresolved by a failed push.
func (m *DatabaseManager) PendingUploads(ctx context.Context) ([]*Record, error) {
	var out []*Record
	for _, state := range []SyncState{SyncLocalOnly, SyncConflict} {
		recs, err := m.local.ListBySyncState(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("%w: listing %s records: %v", ErrLocalStore, state, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LocalRecord reads a record from the local store only.
func (m *DatabaseManager) LocalRecord(ctx context.Context, businessKey string) (*Record, error) {
	rec, err := m.local.GetRecord(ctx, businessKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrLocalStore, businessKey, err)
	}
	return rec, nil
}

// RemoteRecord reads a record from the remote store only. Returns nil, nil
// if the remote store does not have it.
func (m *DatabaseManager) RemoteRecord(ctx context.Context, businessKey string) (*Record, error) {
	if m.remote == nil {
		return nil, ErrRemoteUnavailable
	}

	rctx, cancel := m.remoteContext(ctx)
	defer cancel()

	rec, err := m.remote.GetRecord(rctx, businessKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrRemoteUnavailable, businessKey, err)
	}
	return rec, nil
}

// RemoteChangedSince lists remote records written after the change sequence
// number after, in write order.
func (m *DatabaseManager) RemoteChangedSince(ctx context.Context, after int64) ([]*Record, error) {
	if m.remote == nil {
		return nil, ErrRemoteUnavailable
	}

	rctx, cancel := m.remoteContext(ctx)
	defer cancel()

	recs, err := m.remote.ListChangedSince(rctx, after)
	if err != nil {
		return nil, fmt.Errorf("%w: listing changes: %v", ErrRemoteUnavailable, err)
	}
	return recs, nil
}

// PushRemote writes rec to the remote store as synced and verifies the write.
// An unconfirmed write demotes the manager to OFFLINE and returns an error
// wrapping ErrRemoteUnavailable. The local copy is not touched.
func (m *DatabaseManager) PushRemote(ctx context.Context, rec *Record) (Verification, error) {
	return m.pushRemote(ctx, rec, false)
}

// pushRemote is PushRemote; with create set the remote row is inserted and an
// existing row with the same key is reported as ErrDuplicate without
// changing the mode.
func (m *DatabaseManager) pushRemote(ctx context.Context, rec *Record, create bool) (Verification, error) {
	if m.remote == nil {
		return Verification{}, ErrRemoteUnavailable
	}

	remoteRec := rec.Clone()
	remoteRec.SyncState = SyncSynced

	base, err := m.baseline(ctx, rec.BusinessKey)
	if err != nil {
		m.remoteFailed(ctx, "write", err)
		return Verification{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	write := m.remote.PutRecord
	if create {
		write = m.remote.CreateRecord
	}
	wctx, cancel := m.remoteContext(ctx)
	err = write(wctx, remoteRec)
	cancel()
	if errors.Is(err, ErrDuplicate) {
		return Verification{}, fmt.Errorf("writing %s: %w", rec.BusinessKey, err)
	}
	if err != nil {
		m.remoteFailed(ctx, "write", err)
		return Verification{}, fmt.Errorf("%w: writing %s: %v", ErrRemoteUnavailable, rec.BusinessKey, err)
	}

	v := m.verifier.Verify(ctx, remoteRec, base)
	if !v.Durable() {
		m.setMode(ctx, ModeOffline, "write verification failed")
		return v, fmt.Errorf("%w: write of %s confirmed %s", ErrRemoteUnavailable, rec.BusinessKey, v)
	}
	return v, nil
}

func (m *DatabaseManager) baseline(ctx context.Context, businessKey string) (Baseline, error) {
	rctx, cancel := m.remoteContext(ctx)
	defer cancel()

	count, err := m.remote.CountRecords(rctx)
	if err != nil {
		return Baseline{}, err
	}
	existing, err := m.remote.GetRecord(rctx, businessKey)
	if err != nil {
		return Baseline{}, err
	}

	base := Baseline{Count: count, ExpectedDelta: 1}
	if existing != nil {
		base.ExpectedDelta = 0
	}
	return base, nil
}

// ApplyRemote stores a remote record locally as synced, keeping its
// timestamps.
func (m *DatabaseManager) ApplyRemote(ctx context.Context, rec *Record) error {
	local := rec.Clone()
	local.SyncState = SyncSynced
	if err := m.local.PutRecord(ctx, local); err != nil {
		return fmt.Errorf("%w: applying %s: %v", ErrLocalStore, rec.BusinessKey, err)
	}

	if parts, err := ParseBusinessKey(rec.BusinessKey); err == nil {
		if err := m.local.ObserveSequence(ctx, parts.PatternKey(), parts.Sequence); err != nil {
			return fmt.Errorf("%w: recording sequence of %s: %v", ErrLocalStore, rec.BusinessKey, err)
		}
	}
	return nil
}

// SetSyncState updates the local sync state of a record.
func (m *DatabaseManager) SetSyncState(ctx context.Context, businessKey string, state SyncState) error {
	if err := m.local.SetSyncState(ctx, businessKey, state); err != nil {
		return fmt.Errorf("%w: marking %s %s: %v", ErrLocalStore, businessKey, state, err)
	}
	return nil
}

// AppendSyncLog appends one audit entry to the local sync log.
func (m *DatabaseManager) AppendSyncLog(ctx context.Context, entry *SyncLogEntry) error {
	if err := m.local.AppendSyncLog(ctx, entry); err != nil {
		return fmt.Errorf("%w: appending sync log: %v", ErrLocalStore, err)
	}
	return nil
}

// SyncLog returns the most recent sync log entries, newest first.
func (m *DatabaseManager) SyncLog(ctx context.Context, limit int) ([]*SyncLogEntry, error) {
	entries, err := m.local.ListSyncLog(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: reading sync log: %v", ErrLocalStore, err)
	}
	return entries, nil
}

// Checkpoint returns the remote change sequence number reconciled so far.
func (m *DatabaseManager) Checkpoint(ctx context.Context) (int64, error) {
	seq, err := m.local.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: reading checkpoint: %v", ErrLocalStore, err)
	}
	return seq, nil
}

// AdvanceCheckpoint moves the checkpoint forward to seq. It never moves it back.
func (m *DatabaseManager) AdvanceCheckpoint(ctx context.Context, seq int64) (int64, error) {
	current, err := m.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	if seq <= current {
		return current, nil
	}
	if err := m.local.SetCheckpoint(ctx, seq); err != nil {
		return current, fmt.Errorf("%w: writing checkpoint: %v", ErrLocalStore, err)
	}
	return seq, nil
}
