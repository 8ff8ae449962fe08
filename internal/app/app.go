package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"quotekeeper/internal/config"
	"quotekeeper/internal/database"
	"quotekeeper/internal/encryption"
	"quotekeeper/internal/provider"
	"quotekeeper/internal/qk"
)

// MaxAttachmentSize bounds the PDF accepted by PutAttachment.
const MaxAttachmentSize = 64 << 20

// QKApp is the application layer between the CLI and the persistence
// components. It builds everything from config, correlates records with
// their attachments by business key, and releases resources on Close.
type QKApp struct {
	cfg       *config.Config
	local     *database.SQLiteStore
	remote    *database.Remote // nil when no remote is configured
	manager   *qk.DatabaseManager
	scheduler *qk.SyncScheduler
	router    *qk.StorageRouter
	sealer    qk.Sealer
	logger    qk.Logger
	run       *Run
	logFile   *os.File
}

// Options are the per-invocation inputs that do not come from config.
type Options struct {
	// Command identifies the CLI command being run (e.g. "QuoteSave").
	Command string

	// Opener reads sealed attachments. nil leaves sealed providers
	// write-only.
	Opener qk.Opener

	// Logger overrides the file logger. Used by tests.
	Logger qk.Logger
}

// NewQKApp creates a fully wired QKApp from the given config and runs the
// startup health check, so an online remote is reconciled before the first
// command. The caller must call Close when done.
func NewQKApp(ctx context.Context, cfg *config.Config, opts Options) (*QKApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := qk.RealClock{}
	run := NewRun(opts.Command, clock, qk.UUIDGenerator{})

	a := &QKApp{cfg: cfg, run: run, logger: opts.Logger}
	if a.logger == nil {
		logger, logFile, err := newLogger(cfg.LogDir, run.ID)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger = &slogAdapter{l: logger}
		a.logFile = logFile
	}

	if err := a.wire(ctx, clock, opts.Opener); err != nil {
		a.Close()
		return nil, err
	}

	mode := a.manager.HealthCheck(ctx)
	a.logger.Info("started", "command", run.Command, "mode", mode)
	return a, nil
}

func (a *QKApp) wire(ctx context.Context, clock qk.Clock, opener qk.Opener) error {
	cfg := a.cfg

	local, err := database.NewLocalStoreFromConfig(cfg.Local, cfg.HostID)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	a.local = local

	remote, err := database.NewRemoteFromConfig(ctx, cfg.Remote)
	switch {
	case err != nil && remote == nil:
		return fmt.Errorf("opening remote store: %w", err)
	case err != nil:
		// Unreachable or unmigrated remote: start OFFLINE, health checks retry.
		a.logger.Warn("remote store not ready", "error", err)
	}
	a.remote = remote

	var remoteStore qk.RemoteStore
	if remote != nil {
		remoteStore = remote.Store
	}

	remoteTimeout, err := cfg.Remote.TimeoutDuration()
	if err != nil {
		return err
	}
	a.manager = qk.NewDatabaseManager(local, remoteStore, a.logger, clock, remoteTimeout)

	interval, err := cfg.Sync.IntervalDuration()
	if err != nil {
		return err
	}
	healthInterval, err := cfg.Sync.HealthIntervalDuration()
	if err != nil {
		return err
	}
	a.scheduler = qk.NewSyncScheduler(a.manager, interval, healthInterval, a.logger, clock, qk.UUIDGenerator{})

	sealer, err := encryption.NewSealerFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating sealer: %w", err)
	}
	a.sealer = sealer

	set, err := provider.NewSetFromConfig(ctx, cfg.Providers, sealer, opener)
	if err != nil {
		return fmt.Errorf("creating providers: %w", err)
	}
	providerTimeout, err := maxProviderTimeout(cfg.Providers)
	if err != nil {
		return err
	}
	a.router = qk.NewStorageRouter(set.Clouds, set.Emergency, providerTimeout, a.logger, clock)
	return nil
}

func maxProviderTimeout(cfgs []config.ProviderConfig) (time.Duration, error) {
	timeout := config.DefaultProviderTimeout
	for i, p := range cfgs {
		d, err := p.TimeoutDuration()
		if err != nil {
			return 0, err
		}
		if i == 0 || d > timeout {
			timeout = d
		}
	}
	return timeout, nil
}

// Run returns the invocation record.
func (a *QKApp) Run() *Run {
	return a.run
}

// Quotes

// SaveQuote saves a new quotation or corrects an existing revision.
func (a *QKApp) SaveQuote(ctx context.Context, req qk.SaveRequest) (*qk.SaveResult, error) {
	return a.manager.Save(ctx, req)
}

// ReviseQuote stores payload as the next revision of businessKey.
func (a *QKApp) ReviseQuote(ctx context.Context, businessKey string, payload json.RawMessage) (*qk.SaveResult, error) {
	return a.manager.Revise(ctx, businessKey, payload)
}

// GetQuote returns the record with businessKey, or its highest revision
// when latest is set.
func (a *QKApp) GetQuote(ctx context.Context, businessKey string, latest bool) (*qk.Record, error) {
	if latest {
		return a.manager.Latest(ctx, businessKey)
	}
	return a.manager.Get(ctx, businessKey)
}

// SearchQuotes returns one page of the latest revisions matching query.
func (a *QKApp) SearchQuotes(ctx context.Context, query string, page, pageSize int) (*qk.SearchResult, error) {
	return a.manager.Search(ctx, query, page, pageSize)
}

// SyncLog returns the most recent reconciliation log entries.
func (a *QKApp) SyncLog(ctx context.Context, limit int) ([]*qk.SyncLogEntry, error) {
	return a.manager.SyncLog(ctx, limit)
}

// Attachments

// PutAttachment stores the PDF read from r for businessKey and records the
// resulting locations on the quotation.
func (a *QKApp) PutAttachment(ctx context.Context, businessKey string, r io.Reader) (*qk.Attachment, error) {
	rec, err := a.manager.Get(ctx, businessKey)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	if len(data) > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment larger than %d bytes", MaxAttachmentSize)
	}

	att, err := a.router.Store(ctx, businessKey, data, rec.Attachment)
	if err != nil {
		return nil, err
	}
	if prev := rec.Attachment; prev != nil && prev.ContentHash == att.ContentHash && prev.StoredAt.Equal(att.StoredAt) {
		return att, nil
	}

	if _, err := a.manager.SetAttachment(ctx, businessKey, att); err != nil {
		return att, fmt.Errorf("recording attachment of %s: %w", businessKey, err)
	}
	return att, nil
}

// FindAttachment locates the attachment of businessKey.
func (a *QKApp) FindAttachment(ctx context.Context, businessKey string) (*qk.FoundAttachment, error) {
	return a.router.Find(ctx, businessKey)
}

// GetAttachment writes the attachment of businessKey to w.
func (a *QKApp) GetAttachment(ctx context.Context, businessKey string, w io.Writer) (*qk.FoundAttachment, error) {
	var buf bytes.Buffer
	found, err := a.router.Fetch(ctx, businessKey, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return nil, fmt.Errorf("writing attachment: %w", err)
	}
	return found, nil
}

// Sync and health

// SyncNow runs one reconciliation pass.
func (a *QKApp) SyncNow(ctx context.Context) (*qk.SyncReport, error) {
	return a.scheduler.RunNow(ctx, qk.TriggerManual)
}

// HealthCheck probes the remote store and returns the resulting mode.
func (a *QKApp) HealthCheck(ctx context.Context) qk.Mode {
	return a.manager.HealthCheck(ctx)
}

// StartScheduler starts the background sync loop. Close stops it.
func (a *QKApp) StartScheduler(ctx context.Context) {
	a.scheduler.Start(ctx)
}

// Status is the combined ops view.
type Status struct {
	HostID    string              `json:"host_id"`
	Run       *Run                `json:"run"`
	Manager   qk.ManagerStatus    `json:"manager"`
	Scheduler qk.SchedulerStatus  `json:"scheduler"`
	Providers []qk.ProviderStatus `json:"providers,omitempty"`
	Pending   int                 `json:"pending_uploads"`
	Sealing   bool                `json:"sealing_configured"`
}

// Status reports the manager, scheduler and provider state. Provider
// validation is skipped unless withProviders is set, since it writes probes.
func (a *QKApp) Status(ctx context.Context, withProviders bool) (*Status, error) {
	pending, err := a.manager.PendingUploads(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		HostID:    a.cfg.HostID,
		Run:       a.run,
		Manager:   a.manager.Status(),
		Scheduler: a.scheduler.Status(),
		Pending:   len(pending),
		Sealing:   a.sealer.IsConfigured(),
	}
	if withProviders {
		st.Providers = a.router.Status(ctx)
	}
	return st, nil
}

// Finish records the outcome of the command. err may be nil.
func (a *QKApp) Finish(err error) {
	a.run.Finish(err)
}

// Close stops the scheduler and closes the stores and the log file.
func (a *QKApp) Close() error {
	var firstErr error

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			firstErr = fmt.Errorf("closing remote store: %w", err)
		}
	}

	if a.local != nil {
		if err := a.local.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing local store: %w", err)
		}
	}

	if a.logger != nil && a.run != nil {
		a.logger.Info("finished", "command", a.run.Command, "status", a.run.Status, "duration", a.run.Duration())
	}
	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
