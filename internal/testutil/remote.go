package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"quotekeeper/internal/qk"
)

// ErrRemoteDown is returned by every FlakyRemote call while it is down.
var ErrRemoteDown = errors.New("remote down")

// FlakyRemote wraps a RemoteStore with switchable failure modes so tests can
// simulate an unreachable or lying shared database.
type FlakyRemote struct {
	inner qk.RemoteStore

	mu            sync.Mutex
	down          bool
	dropWrites    bool
	hideFromIndex bool

	puts       atomic.Int64
	pings      atomic.Int64
	increments atomic.Int64
}

var _ qk.RemoteStore = (*FlakyRemote)(nil)

// NewFlakyRemote wraps inner. The remote starts healthy.
func NewFlakyRemote(inner qk.RemoteStore) *FlakyRemote {
	return &FlakyRemote{inner: inner}
}

// NewTestRemote returns a healthy FlakyRemote over a fresh in-memory store.
func NewTestRemote(t *testing.T) *FlakyRemote {
	t.Helper()
	return NewFlakyRemote(NewTestLocalStore(t))
}

// SetDown makes every call fail with ErrRemoteDown.
func (f *FlakyRemote) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetDropWrites makes PutRecord and CreateRecord acknowledge without
// persisting.
func (f *FlakyRemote) SetDropWrites(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropWrites = drop
}

// SetHideFromIndex makes FindByIdentity miss every record.
func (f *FlakyRemote) SetHideFromIndex(hide bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hideFromIndex = hide
}

// Puts returns the number of record writes, including dropped ones.
func (f *FlakyRemote) Puts() int64 { return f.puts.Load() }

// Pings returns the number of Ping calls.
func (f *FlakyRemote) Pings() int64 { return f.pings.Load() }

// Increments returns the number of counter increments.
func (f *FlakyRemote) Increments() int64 { return f.increments.Load() }

// Inner returns the wrapped store, bypassing the failure modes.
func (f *FlakyRemote) Inner() qk.RemoteStore { return f.inner }

func (f *FlakyRemote) state() (down, drop, hide bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down, f.dropWrites, f.hideFromIndex
}

func (f *FlakyRemote) check() error {
	if down, _, _ := f.state(); down {
		return ErrRemoteDown
	}
	return nil
}

func (f *FlakyRemote) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if err := f.check(); err != nil {
		return err
	}
	return f.inner.Ping(ctx)
}

func (f *FlakyRemote) PutRecord(ctx context.Context, rec *qk.Record) error {
	f.puts.Add(1)
	down, drop, _ := f.state()
	if down {
		return ErrRemoteDown
	}
	if drop {
		return nil
	}
	return f.inner.PutRecord(ctx, rec)
}

func (f *FlakyRemote) CreateRecord(ctx context.Context, rec *qk.Record) error {
	f.puts.Add(1)
	down, drop, _ := f.state()
	if down {
		return ErrRemoteDown
	}
	if drop {
		return nil
	}
	return f.inner.CreateRecord(ctx, rec)
}

func (f *FlakyRemote) GetRecord(ctx context.Context, businessKey string) (*qk.Record, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.inner.GetRecord(ctx, businessKey)
}

func (f *FlakyRemote) FindByIdentity(ctx context.Context, identity string, revision int) (*qk.Record, error) {
	down, _, hide := f.state()
	if down {
		return nil, ErrRemoteDown
	}
	if hide {
		return nil, nil
	}
	return f.inner.FindByIdentity(ctx, identity, revision)
}

func (f *FlakyRemote) CountRecords(ctx context.Context) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.inner.CountRecords(ctx)
}

func (f *FlakyRemote) SearchRecords(ctx context.Context, query string, offset, limit int) ([]*qk.Record, int64, error) {
	if err := f.check(); err != nil {
		return nil, 0, err
	}
	return f.inner.SearchRecords(ctx, query, offset, limit)
}

func (f *FlakyRemote) MaxRevision(ctx context.Context, identity string) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.inner.MaxRevision(ctx, identity)
}

func (f *FlakyRemote) ListChangedSince(ctx context.Context, after int64) ([]*qk.Record, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.inner.ListChangedSince(ctx, after)
}

func (f *FlakyRemote) IncrementAtLeast(ctx context.Context, patternKey string, floor int64) (int64, error) {
	f.increments.Add(1)
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.inner.IncrementAtLeast(ctx, patternKey, floor)
}
