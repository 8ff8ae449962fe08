package qk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SaveRequest is what the form layer hands to Save.
type SaveRequest struct {
	// BusinessKey is empty for a new quotation; set it to correct an existing
	// revision in place.
	BusinessKey string

	// PatternKey scopes the sequence number, e.g. "ACME-JS". When empty it is
	// built from Client and Salesperson.
	PatternKey  string
	Client      string
	Salesperson string
	Project     string

	Payload    json.RawMessage
	Attachment *Attachment
}

// SaveResult is what Save reports back. A save that reached only the local
// store is still a successful save, with SyncState local_only.
type SaveResult struct {
	BusinessKey  string
	Revision     int
	SyncState    SyncState
	Verification *Verification // nil when no remote write was attempted
}

// SearchItem is one search hit. It deliberately carries nothing that reveals
// which store answered.
type SearchItem struct {
	BusinessKey   string
	Identity      string
	Revision      int
	Payload       json.RawMessage
	CreatedAt     time.Time
	ModifiedAt    time.Time
	HasAttachment bool
}

// SearchResult is one page of search hits.
type SearchResult struct {
	Items    []SearchItem
	Total    int64
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ManagerStatus is the ops view of a DatabaseManager.
type ManagerStatus struct {
	Mode             Mode
	RemoteConfigured bool
	LastHealthCheck  time.Time
	LastHealthError  string
	Transitions      []Transition
}

// DatabaseManager owns record persistence across the local durable store and
// the remote store, and the online/offline mode that decides how they are used.
type DatabaseManager struct {
	local    LocalStore
	remote   RemoteStore // nil when no remote is configured
	counter  *SequenceCounter
	verifier *WriteVerifier
	mode     *modeMachine
	logger   Logger
	clock    Clock
	timeout  time.Duration

	healthMu sync.Mutex

	statusMu        sync.RWMutex
	lastHealthCheck time.Time
	lastHealthError string
}

// NewDatabaseManager creates a manager in OFFLINE mode; call HealthCheck to
// detect the initial mode. remote may be nil. timeout bounds every individual
// remote operation.
func NewDatabaseManager(local LocalStore, remote RemoteStore, logger Logger, clock Clock, timeout time.Duration) *DatabaseManager {
	m := &DatabaseManager{
		local:   local,
		remote:  remote,
		mode:    newModeMachine(ModeOffline),
		logger:  logger,
		clock:   clock,
		timeout: timeout,
	}

	var shared CounterStore
	if remote != nil {
		shared = remote
		m.verifier = NewWriteVerifier(remote, timeout, logger)
	}
	m.counter = NewSequenceCounter(shared, local, timeout, logger)
	return m
}

// Mode returns the current mode.
func (m *DatabaseManager) Mode() Mode {
	return m.mode.current()
}

// OnTransition registers an observer for mode changes.
func (m *DatabaseManager) OnTransition(fn TransitionFunc) {
	m.mode.observe(fn)
}

// Counter returns the sequence counter used for new business keys.
func (m *DatabaseManager) Counter() *SequenceCounter {
	return m.counter
}

// Save persists a record. The local write always happens first and is the
// only failure reported as an error. When ONLINE the record is also written
// remotely and verified; an unconfirmed write demotes the manager to OFFLINE
// and the record stays local_only until reconciliation uploads it.
//
// A new quotation never replaces an existing record: if its key is taken by
// a concurrent save, a fresh sequence number is issued and the save retried.
func (m *DatabaseManager) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("saving quotation: payload is empty")
	}

	if req.BusinessKey != "" {
		rec, err := m.correction(ctx, req)
		if err != nil {
			return nil, err
		}
		return m.save(ctx, rec, false)
	}

	return m.createWithRetry(ctx, func() (*Record, error) {
		return m.newRecord(ctx, req)
	})
}

// maxCreateAttempts bounds how often a new record is rebuilt after losing
// its key to a concurrent save.
const maxCreateAttempts = 5

// createWithRetry inserts the record built by build, rebuilding it when the
// key turns out to be taken locally.
func (m *DatabaseManager) createWithRetry(ctx context.Context, build func() (*Record, error)) (*SaveResult, error) {
	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		var rec *Record
		rec, err = build()
		if err != nil {
			return nil, err
		}

		var result *SaveResult
		result, err = m.save(ctx, rec, true)
		if !errors.Is(err, ErrDuplicate) {
			return result, err
		}
		m.logger.Warn("key taken by a concurrent save, retrying", "key", rec.BusinessKey, "attempt", attempt)
	}
	return nil, err
}

// newRecord builds revision 1 of a new quotation with a freshly issued key.
func (m *DatabaseManager) newRecord(ctx context.Context, req SaveRequest) (*Record, error) {
	pattern := req.PatternKey
	if pattern == "" {
		pattern = PatternKey(req.Client, req.Salesperson)
	}
	client, sales, err := SplitPatternKey(pattern)
	if err != nil {
		return nil, err
	}
	pattern = PatternKey(client, sales)

	var seq int64
	if m.Mode() == ModeOnline {
		seq, err = m.counter.Next(ctx, pattern)
	} else {
		seq, err = m.counter.NextLocal(ctx, pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("issuing sequence for %s: %w", pattern, err)
	}

	parts := KeyParts{Client: client, Salesperson: sales, Sequence: seq, Project: req.Project, Revision: 1}
	now := m.clock.Now()
	return &Record{
		BusinessKey: parts.String(),
		Identity:    parts.Identity(),
		Revision:    1,
		Payload:     req.Payload,
		CreatedAt:   now,
		Attachment:  req.Attachment.Clone(),
	}, nil
}

// correction builds an in-place update of an existing revision.
func (m *DatabaseManager) correction(ctx context.Context, req SaveRequest) (*Record, error) {
	parts, err := ParseBusinessKey(req.BusinessKey)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		BusinessKey: req.BusinessKey,
		Identity:    parts.Identity(),
		Revision:    parts.Revision,
		Payload:     req.Payload,
		CreatedAt:   m.clock.Now(),
		Attachment:  req.Attachment.Clone(),
	}

	existing, err := m.Get(ctx, req.BusinessKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		if rec.Attachment == nil {
			rec.Attachment = existing.Attachment.Clone()
		}
	}
	return rec, nil
}

// Revise stores payload as the next revision of the quotation businessKey
// belongs to. Earlier revisions are kept.
func (m *DatabaseManager) Revise(ctx context.Context, businessKey string, payload json.RawMessage) (*SaveResult, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("revising %s: payload is empty", businessKey)
	}

	return m.createWithRetry(ctx, func() (*Record, error) {
		latest, err := m.Latest(ctx, businessKey)
		if err != nil {
			return nil, fmt.Errorf("revising %s: %w", businessKey, err)
		}

		parts, err := ParseBusinessKey(latest.BusinessKey)
		if err != nil {
			return nil, err
		}
		next := parts.WithRevision(latest.Revision + 1)

		return &Record{
			BusinessKey: next.String(),
			Identity:    next.Identity(),
			Revision:    next.Revision,
			Payload:     payload,
			CreatedAt:   m.clock.Now(),
		}, nil
	})
}

// SetAttachment stores attachment metadata with its record, as an in-place
// correction of that record.
func (m *DatabaseManager) SetAttachment(ctx context.Context, businessKey string, att *Attachment) (*SaveResult, error) {
	rec, err := m.Get(ctx, businessKey)
	if err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", businessKey, err)
	}

	rec = rec.Clone()
	rec.Attachment = att.Clone()
	return m.save(ctx, rec, false)
}

// save writes rec locally and then, when ONLINE, remotely. With create set
// the record is inserted and an existing row with its key is an error
// wrapping ErrDuplicate; otherwise it replaces the row in place.
func (m *DatabaseManager) save(ctx context.Context, rec *Record, create bool) (*SaveResult, error) {
	rec.ModifiedAt = m.clock.Now()
	rec.SyncState = SyncLocalOnly

	write := m.local.PutRecord
	if create {
		write = m.local.CreateRecord
	}
	if err := write(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, fmt.Errorf("saving %s: %w", rec.BusinessKey, err)
		}
		return nil, fmt.Errorf("%w: saving %s: %v", ErrLocalStore, rec.BusinessKey, err)
	}

	result := &SaveResult{
		BusinessKey: rec.BusinessKey,
		Revision:    rec.Revision,
		SyncState:   SyncLocalOnly,
	}

	if m.Mode() != ModeOnline {
		m.logger.Info("record saved locally", "key", rec.BusinessKey, "mode", ModeOffline)
		return result, nil
	}

	v, err := m.pushRemote(ctx, rec, create)
	result.Verification = &v
	if errors.Is(err, ErrDuplicate) {
		m.logger.Warn("key already taken remotely, left for reconciliation", "key", rec.BusinessKey)
		return result, nil
	}
	if err != nil {
		m.logger.Warn("remote write not durable, kept locally", "key", rec.BusinessKey, "error", err)
		return result, nil
	}

	if err := m.local.SetSyncState(ctx, rec.BusinessKey, SyncSynced); err != nil {
		return nil, fmt.Errorf("%w: marking %s synced: %v", ErrLocalStore, rec.BusinessKey, err)
	}
	result.SyncState = SyncSynced

	m.logger.Info("record saved", "key", rec.BusinessKey, "verification", v.String())
	return result, nil
}

// Get returns a record by business key. ONLINE reads the remote store first,
// OFFLINE the local store; a miss or error falls back to the other store.
func (m *DatabaseManager) Get(ctx context.Context, businessKey string) (*Record, error) {
	return m.read(ctx, businessKey, func(ctx context.Context, s RecordStore) (*Record, error) {
		return s.GetRecord(ctx, businessKey)
	})
}

// Latest returns the highest revision of the quotation businessKey belongs to.
func (m *DatabaseManager) Latest(ctx context.Context, businessKey string) (*Record, error) {
	identity := IdentityOf(businessKey)

	rev, err := m.local.MaxRevision(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: reading revisions of %s: %v", ErrLocalStore, identity, err)
	}
	if m.remote != nil {
		rctx, cancel := m.remoteContext(ctx)
		remoteRev, err := m.remote.MaxRevision(rctx, identity)
		cancel()
		if err != nil {
			m.remoteFailed(ctx, "reading revisions", err)
		} else if remoteRev > rev {
			rev = remoteRev
		}
	}
	if rev == 0 {
		return nil, fmt.Errorf("%s: %w", identity, ErrNotFound)
	}

	return m.read(ctx, businessKey, func(ctx context.Context, s RecordStore) (*Record, error) {
		return s.FindByIdentity(ctx, identity, rev)
	})
}

// read runs lookup against both stores in mode order.
func (m *DatabaseManager) read(ctx context.Context, key string, lookup func(context.Context, RecordStore) (*Record, error)) (*Record, error) {
	var localErr error

	fromLocal := func() (*Record, error) {
		rec, err := lookup(ctx, m.local)
		if err != nil {
			localErr = err
			m.logger.Error("local read failed", "key", key, "error", err)
		}
		return rec, err
	}
	fromRemote := func() (*Record, error) {
		if m.remote == nil {
			return nil, nil
		}
		rctx, cancel := m.remoteContext(ctx)
		defer cancel()
		rec, err := lookup(rctx, m.remote)
		if err != nil {
			m.remoteFailed(ctx, "read", err)
		}
		return rec, err
	}

	order := []func() (*Record, error){fromLocal, fromRemote}
	if m.Mode() == ModeOnline {
		order = []func() (*Record, error){fromRemote, fromLocal}
	}

	for _, source := range order {
		if rec, err := source(); err == nil && rec != nil {
			return rec, nil
		}
	}

	if localErr != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrLocalStore, key, localErr)
	}
	return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
}

// Search returns one page of the latest revisions matching query, from the
// store that is authoritative for the current mode.
func (m *DatabaseManager) Search(ctx context.Context, query string, page, pageSize int) (*SearchResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	offset := (page - 1) * pageSize

	var recs []*Record
	var total int64
	var err error
	served := false

	if m.Mode() == ModeOnline && m.remote != nil {
		rctx, cancel := m.remoteContext(ctx)
		recs, total, err = m.remote.SearchRecords(rctx, query, offset, pageSize)
		cancel()
		if err != nil {
			m.remoteFailed(ctx, "search", err)
		} else {
			served = true
		}
	}
	if !served {
		recs, total, err = m.local.SearchRecords(ctx, query, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: searching: %v", ErrLocalStore, err)
		}
	}

	result := &SearchResult{
		Items:    make([]SearchItem, 0, len(recs)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, r := range recs {
		result.Items = append(result.Items, SearchItem{
			BusinessKey:   r.BusinessKey,
			Identity:      r.Identity,
			Revision:      r.Revision,
			Payload:       r.Payload,
			CreatedAt:     r.CreatedAt,
			ModifiedAt:    r.ModifiedAt,
			HasAttachment: r.Attachment != nil,
		})
	}
	return result, nil
}

// HealthCheck probes the remote store and updates the mode. On an
// OFFLINE->ONLINE edge the transition observers (the recovery sync) run
// before HealthCheck returns.
func (m *DatabaseManager) HealthCheck(ctx context.Context) Mode {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()

	if m.remote == nil {
		m.setMode(ctx, ModeOffline, "no remote store configured")
		return m.Mode()
	}

	pctx, cancel := m.remoteContext(ctx)
	err := m.remote.Ping(pctx)
	cancel()

	m.statusMu.Lock()
	m.lastHealthCheck = m.clock.Now()
	m.lastHealthError = ""
	if err != nil {
		m.lastHealthError = err.Error()
	}
	m.statusMu.Unlock()

	if err != nil {
		m.setMode(ctx, ModeOffline, "health check failed: "+err.Error())
	} else {
		m.setMode(ctx, ModeOnline, "health check succeeded")
	}
	return m.Mode()
}

// Status returns the ops view of the manager.
func (m *DatabaseManager) Status() ManagerStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return ManagerStatus{
		Mode:             m.Mode(),
		RemoteConfigured: m.remote != nil,
		LastHealthCheck:  m.lastHealthCheck,
		LastHealthError:  m.lastHealthError,
		Transitions:      m.mode.transitions(),
	}
}

func (m *DatabaseManager) setMode(ctx context.Context, to Mode, reason string) {
	t, observers, changed := m.mode.transition(to, reason, m.clock.Now())
	if !changed {
		return
	}

	m.logger.Info("mode transition", "from", t.From, "to", t.To, "reason", reason)
	for _, fn := range observers {
		fn(ctx, t.From, t.To)
	}
}

// remoteFailed demotes the manager after a failed remote operation.
func (m *DatabaseManager) remoteFailed(ctx context.Context, op string, err error) {
	m.logger.Warn("remote operation failed", "op", op, "error", err)
	m.setMode(ctx, ModeOffline, op+" failed")
}

func (m *DatabaseManager) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}
