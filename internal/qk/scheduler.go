package qk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Triggers recorded on a SyncReport.
const (
	TriggerPeriodic = "periodic"
	TriggerRecovery = "recovery"
	TriggerManual   = "manual"
)

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Uploaded   int
	Downloaded int
	Conflicts  int
	Skipped    int
	Errors     int
	Checkpoint int64 // remote change sequence reconciled through
}

func (r SyncReport) String() string {
	return fmt.Sprintf("uploaded=%d downloaded=%d conflicts=%d skipped=%d errors=%d",
		r.Uploaded, r.Downloaded, r.Conflicts, r.Skipped, r.Errors)
}

// SchedulerStatus is the ops view of a SyncScheduler.
type SchedulerStatus struct {
	Running        bool
	Interval       time.Duration
	HealthInterval time.Duration
	Passes         int
	RecoveryPasses int
	LastRun        time.Time
	LastError      string
	LastReport     *SyncReport
}

// SyncScheduler reconciles the local and remote stores: periodically, on
// demand, and once on every OFFLINE->ONLINE transition of the manager.
type SyncScheduler struct {
	mgr            *DatabaseManager
	interval       time.Duration
	healthInterval time.Duration
	logger         Logger
	clock          Clock
	ids            IDGenerator

	passMu sync.Mutex // one pass at a time

	mu     sync.Mutex
	status SchedulerStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncScheduler creates a scheduler and registers it for the manager's
// mode transitions. healthInterval of zero disables periodic health checks.
func NewSyncScheduler(mgr *DatabaseManager, interval, healthInterval time.Duration, logger Logger, clock Clock, ids IDGenerator) *SyncScheduler {
	s := &SyncScheduler{
		mgr:            mgr,
		interval:       interval,
		healthInterval: healthInterval,
		logger:         logger,
		clock:          clock,
		ids:            ids,
	}
	s.status.Interval = interval
	s.status.HealthInterval = healthInterval
	mgr.OnTransition(s.HandleTransition)
	return s
}

// Start launches the background loop. It returns immediately; Stop ends it.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Running = true

	go s.loop(ctx, s.done)
	s.logger.Info("sync scheduler started", "interval", s.interval, "health_interval", s.healthInterval)
}

// Stop ends the background loop and waits for an in-flight pass to finish.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.status.Running = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync scheduler stopped")
}

func (s *SyncScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	syncTick := time.NewTicker(s.interval)
	defer syncTick.Stop()

	var healthC <-chan time.Time
	if s.healthInterval > 0 {
		healthTick := time.NewTicker(s.healthInterval)
		defer healthTick.Stop()
		healthC = healthTick.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthC:
			s.mgr.HealthCheck(ctx)
		case <-syncTick.C:
			if _, err := s.RunNow(ctx, TriggerPeriodic); err != nil {
				if s.mgr.Mode() != ModeOnline {
					s.logger.Debug("periodic sync refused while offline", "error", err)
					continue
				}
				s.logger.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

// HandleTransition runs one recovery pass when the manager comes back
// ONLINE. Other transitions are ignored.
func (s *SyncScheduler) HandleTransition(ctx context.Context, from, to Mode) {
	if from != ModeOffline || to != ModeOnline {
		return
	}

	s.logger.Info("connectivity restored, running recovery sync")
	if _, err := s.RunNow(ctx, TriggerRecovery); err != nil {
		s.logger.Warn("recovery sync failed", "error", err)
	}
}

// Status returns the ops view of the scheduler.
func (s *SyncScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastReport != nil {
		r := *st.LastReport
		st.LastReport = &r
	}
	return st
}

// RunNow runs one reconciliation pass and waits for it. Passes never overlap.
// The pass is not interrupted when ctx is canceled part way; only remote
// timeouts bound it.
func (s *SyncScheduler) RunNow(ctx context.Context, trigger string) (*SyncReport, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	report := &SyncReport{Trigger: trigger, StartedAt: s.clock.Now()}

	err := s.pass(ctx, report)
	report.FinishedAt = s.clock.Now()

	s.mu.Lock()
	s.status.Passes++
	if trigger == TriggerRecovery {
		s.status.RecoveryPasses++
	}
	s.status.LastRun = report.FinishedAt
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	r := *report
	s.status.LastReport = &r
	s.mu.Unlock()

	if err != nil {
		return report, err
	}
	s.logger.Info("sync pass finished", "trigger", trigger, "result", report.String())
	return report, nil
}

func (s *SyncScheduler) pass(ctx context.Context, report *SyncReport) error {
	if s.mgr.Mode() != ModeOnline {
		return fmt.Errorf("%w: manager is offline", ErrRemoteUnavailable)
	}

	checkpoint, err := s.mgr.Checkpoint(ctx)
	if err != nil {
		return err
	}
	report.Checkpoint = checkpoint

	if err := s.upload(ctx, report); err != nil {
		return err
	}

	latest, err := s.download(ctx, checkpoint, report)
	if err != nil {
		return err
	}

	advanced, err := s.mgr.AdvanceCheckpoint(ctx, latest)
	if err != nil {
		return err
	}
	report.Checkpoint = advanced
	return nil
}

// upload pushes every pending local record. Per-record failures are logged
// and counted; only local-store failures abort the pass.
func (s *SyncScheduler) upload(ctx context.Context, report *SyncReport) error {
	pending, err := s.mgr.PendingUploads(ctx)
	if err != nil {
		return err
	}

	for _, local := range pending {
		if err := s.uploadOne(ctx, local, report); err != nil {
			if errors.Is(err, ErrLocalStore) {
				return err
			}
			report.Errors++
			s.logEntry(ctx, &SyncLogEntry{
				Direction:       DirectionUpload,
				Outcome:         OutcomeError,
				BusinessKeys:    []string{local.BusinessKey},
				LocalModifiedAt: timePtr(local.ModifiedAt),
				Detail:          err.Error(),
			})
			if s.mgr.Mode() != ModeOnline {
				return fmt.Errorf("%w: connectivity lost during sync", ErrRemoteUnavailable)
			}
		}
	}
	return nil
}

func (s *SyncScheduler) uploadOne(ctx context.Context, local *Record, report *SyncReport) error {
	remote, err := s.mgr.RemoteRecord(ctx, local.BusinessKey)
	if err != nil {
		return err
	}

	switch {
	case remote == nil:
		if _, err := s.mgr.PushRemote(ctx, local); err != nil {
			return err
		}
		if err := s.mgr.SetSyncState(ctx, local.BusinessKey, SyncSynced); err != nil {
			return err
		}
		report.Uploaded++
		s.logEntry(ctx, &SyncLogEntry{
			Direction:       DirectionUpload,
			Outcome:         OutcomeApplied,
			BusinessKeys:    []string{local.BusinessKey},
			LocalModifiedAt: timePtr(local.ModifiedAt),
		})
		return nil

	case SamePayload(local, remote):
		report.Skipped++
		return s.mgr.SetSyncState(ctx, local.BusinessKey, SyncSynced)

	default:
		return s.resolve(ctx, DirectionUpload, local, remote, report)
	}
}

// download applies remote changes written after checkpoint and returns the
// change sequence number the checkpoint may advance to: the last one before
// the first record that failed to apply. The cursor is assigned by the remote
// store on every write, so a record uploaded late with an old ModifiedAt is
// still picked up.
func (s *SyncScheduler) download(ctx context.Context, checkpoint int64, report *SyncReport) (int64, error) {
	changes, err := s.mgr.RemoteChangedSince(ctx, checkpoint)
	if err != nil {
		return checkpoint, err
	}

	latest := checkpoint
	blocked := false
	for _, remote := range changes {
		if err := s.downloadOne(ctx, remote, report); err != nil {
			if errors.Is(err, ErrLocalStore) {
				return checkpoint, err
			}
			blocked = true
			report.Errors++
			s.logEntry(ctx, &SyncLogEntry{
				Direction:        DirectionDownload,
				Outcome:          OutcomeError,
				BusinessKeys:     []string{remote.BusinessKey},
				RemoteModifiedAt: timePtr(remote.ModifiedAt),
				Detail:           err.Error(),
			})
			continue
		}
		if !blocked && remote.ChangeSeq > latest {
			latest = remote.ChangeSeq
		}
	}
	return latest, nil
}

func (s *SyncScheduler) downloadOne(ctx context.Context, remote *Record, report *SyncReport) error {
	local, err := s.mgr.LocalRecord(ctx, remote.BusinessKey)
	if err != nil {
		return err
	}

	switch {
	case local != nil && SamePayload(local, remote):
		report.Skipped++
		if local.SyncState != SyncSynced {
			return s.mgr.SetSyncState(ctx, local.BusinessKey, SyncSynced)
		}
		return nil

	case local != nil && local.SyncState != SyncSynced:
		return s.resolve(ctx, DirectionDownload, local, remote, report)

	default:
		if err := s.mgr.ApplyRemote(ctx, remote); err != nil {
			return err
		}
		report.Downloaded++
		entry := &SyncLogEntry{
			Direction:        DirectionDownload,
			Outcome:          OutcomeApplied,
			BusinessKeys:     []string{remote.BusinessKey},
			RemoteModifiedAt: timePtr(remote.ModifiedAt),
		}
		if local != nil {
			entry.LocalModifiedAt = timePtr(local.ModifiedAt)
		}
		s.logEntry(ctx, entry)
		return nil
	}
}

// resolve settles a divergence between a local and a remote version of the
// same record: the later ModifiedAt wins. The losing payload is kept in the
// sync log.
func (s *SyncScheduler) resolve(ctx context.Context, dir SyncDirection, local, remote *Record, report *SyncReport) error {
	localWins := LocalWins(local, remote)

	entry := &SyncLogEntry{
		Direction:        dir,
		Outcome:          OutcomeConflictResolved,
		BusinessKeys:     []string{local.BusinessKey},
		LocalModifiedAt:  timePtr(local.ModifiedAt),
		RemoteModifiedAt: timePtr(remote.ModifiedAt),
	}

	if localWins {
		if _, err := s.mgr.PushRemote(ctx, local); err != nil {
			if serr := s.mgr.SetSyncState(ctx, local.BusinessKey, SyncConflict); serr != nil {
				return serr
			}
			return fmt.Errorf("pushing winning local version of %s: %w", local.BusinessKey, err)
		}
		if err := s.mgr.SetSyncState(ctx, local.BusinessKey, SyncSynced); err != nil {
			return err
		}
		entry.Detail = "local version kept"
		entry.LosingPayload = remote.Payload
		report.Uploaded++
	} else {
		if err := s.mgr.ApplyRemote(ctx, remote); err != nil {
			return err
		}
		entry.Detail = "remote version kept"
		entry.LosingPayload = local.Payload
		report.Downloaded++
	}

	report.Conflicts++
	s.logger.Info("conflict resolved", "key", local.BusinessKey, "detail", entry.Detail,
		"local_modified", local.ModifiedAt, "remote_modified", remote.ModifiedAt)
	s.logEntry(ctx, entry)
	return nil
}

// LocalWins reports whether the local version beats the remote one: later
// ModifiedAt wins, ties go to the larger payload digest so both sides pick
// the same winner.
func LocalWins(local, remote *Record) bool {
	if !local.ModifiedAt.Equal(remote.ModifiedAt) {
		return local.ModifiedAt.After(remote.ModifiedAt)
	}
	return local.PayloadDigest() > remote.PayloadDigest()
}

func (s *SyncScheduler) logEntry(ctx context.Context, entry *SyncLogEntry) {
	entry.ID = s.ids.New()
	entry.LoggedAt = s.clock.Now()
	if err := s.mgr.AppendSyncLog(ctx, entry); err != nil {
		s.logger.Error("writing sync log", "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
