package qk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotekeeper/internal/qk"
	"quotekeeper/internal/testutil"
)

func TestSyncScheduler_RecoveryUploadsOfflineSave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	res, err := h.mgr.Save(ctx, qk.SaveRequest{PatternKey: "ACME-JS", Payload: payload(t, map[string]any{"total": 100})})
	require.NoError(t, err)
	require.Equal(t, "ACME-JS-0001-R1", res.BusinessKey)
	require.Equal(t, qk.SyncLocalOnly, res.SyncState)
	require.Nil(t, h.remoteRecord(t, res.BusinessKey))

	require.Equal(t, qk.ModeOnline, h.mgr.HealthCheck(ctx))

	st := sched.Status()
	assert.Equal(t, 1, st.RecoveryPasses)
	require.NotNil(t, st.LastReport)
	assert.Equal(t, qk.TriggerRecovery, st.LastReport.Trigger)
	assert.Equal(t, 1, st.LastReport.Uploaded)
	assert.Empty(t, st.LastError)

	assert.Equal(t, qk.SyncSynced, h.localRecord(t, res.BusinessKey).SyncState)
	remote := h.remoteRecord(t, res.BusinessKey)
	require.NotNil(t, remote)
	assert.JSONEq(t, `{"total":100}`, string(remote.Payload))

	// The next online key does not reuse the offline-issued number.
	next, err := h.mgr.Save(ctx, qk.SaveRequest{PatternKey: "ACME-JS", Payload: payload(t, map[string]any{"total": 5})})
	require.NoError(t, err)
	assert.Equal(t, "ACME-JS-0002-R1", next.BusinessKey)
	assert.Equal(t, qk.SyncSynced, next.SyncState)
}

func TestSyncScheduler_RecoveryRunsOncePerTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	h.mgr.HealthCheck(ctx)
	h.mgr.HealthCheck(ctx)
	h.mgr.HealthCheck(ctx)
	assert.Equal(t, 1, sched.Status().RecoveryPasses, "steady ONLINE does not re-trigger recovery")

	h.remote.SetDown(true)
	h.mgr.HealthCheck(ctx)
	h.mgr.HealthCheck(ctx)
	assert.Equal(t, 1, sched.Status().RecoveryPasses, "going OFFLINE does not trigger recovery")

	h.remote.SetDown(false)
	h.mgr.HealthCheck(ctx)
	assert.Equal(t, 2, sched.Status().RecoveryPasses)
	assert.Equal(t, 2, sched.Status().Passes)
}

func TestSyncScheduler_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		_, err := h.mgr.Save(ctx, qk.SaveRequest{PatternKey: "ACME-JS", Payload: payload(t, map[string]any{"n": i})})
		require.NoError(t, err)
	}
	require.Equal(t, qk.ModeOnline, h.mgr.HealthCheck(ctx))

	first := sched.Status().LastReport
	require.NotNil(t, first)
	assert.Equal(t, 3, first.Uploaded)
	assert.Equal(t, int64(3), first.Checkpoint)

	second, err := sched.RunNow(ctx, qk.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Uploaded)
	assert.Equal(t, 0, second.Downloaded)
	assert.Equal(t, 0, second.Conflicts)
	assert.Equal(t, first.Checkpoint, second.Checkpoint, "checkpoint unchanged")

	puts := h.remote.Puts()
	third, err := sched.RunNow(ctx, qk.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Uploaded)
	assert.Equal(t, puts, h.remote.Puts(), "no remote writes on a quiet pass")
}

func TestSyncScheduler_DownloadsRemoteChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	h.putRemote(t, &qk.Record{
		BusinessKey: "GLOBEX-MT-0007-R1",
		Identity:    "GLOBEX-MT-0007",
		Revision:    1,
		Payload:     payload(t, map[string]any{"from": "other host"}),
		CreatedAt:   h.clock.Now(),
		ModifiedAt:  h.clock.Now(),
	})

	require.Equal(t, qk.ModeOnline, h.mgr.HealthCheck(ctx))
	report := sched.Status().LastReport
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Downloaded)
	assert.Equal(t, int64(1), report.Checkpoint)

	local := h.localRecord(t, "GLOBEX-MT-0007-R1")
	assert.Equal(t, qk.SyncSynced, local.SyncState)

	// The downloaded sequence is not reissued locally.
	h.remote.SetDown(true)
	h.mgr.HealthCheck(ctx)
	res, err := h.mgr.Save(ctx, qk.SaveRequest{PatternKey: "GLOBEX-MT", Payload: payload(t, map[string]any{"v": 1})})
	require.NoError(t, err)
	assert.Equal(t, "GLOBEX-MT-0008-R1", res.BusinessKey)
}

func TestSyncScheduler_DownloadsLateUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	h.putRemote(t, &qk.Record{
		BusinessKey: "ACME-JS-0002-R1",
		Identity:    "ACME-JS-0002",
		Revision:    1,
		Payload:     payload(t, map[string]any{"from": "online host"}),
		CreatedAt:   h.clock.Now().Add(time.Hour),
		ModifiedAt:  h.clock.Now().Add(time.Hour),
	})
	require.Equal(t, qk.ModeOnline, h.mgr.HealthCheck(ctx))
	first := sched.Status().LastReport
	require.NotNil(t, first)
	require.Equal(t, 1, first.Downloaded)

	// Another host comes back online and uploads a quotation it saved
	// before the first pass: its ModifiedAt is older than anything seen.
	h.putRemote(t, &qk.Record{
		BusinessKey: "ACME-JS-0001-R1",
		Identity:    "ACME-JS-0001",
		Revision:    1,
		Payload:     payload(t, map[string]any{"from": "offline host"}),
		CreatedAt:   h.clock.Now(),
		ModifiedAt:  h.clock.Now(),
	})

	second, err := sched.RunNow(ctx, qk.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Downloaded)
	assert.Greater(t, second.Checkpoint, first.Checkpoint)

	local := h.localRecord(t, "ACME-JS-0001-R1")
	assert.JSONEq(t, `{"from":"offline host"}`, string(local.Payload))
	assert.Equal(t, qk.SyncSynced, local.SyncState)
}

func TestSyncScheduler_LastWriteWins(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		remoteDelta time.Duration // remote ModifiedAt relative to the local edit
		wantPayload string
		wantLosing  string
		wantDetail  string
	}{
		{
			name:        "later remote edit wins",
			remoteDelta: time.Hour,
			wantPayload: `{"edit":"remote"}`,
			wantLosing:  `{"edit":"local"}`,
			wantDetail:  "remote version kept",
		},
		{
			name:        "later local edit wins",
			remoteDelta: -time.Hour,
			wantPayload: `{"edit":"local"}`,
			wantLosing:  `{"edit":"remote"}`,
			wantDetail:  "local version kept",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sched := h.scheduler()

			res, err := h.mgr.Save(ctx, qk.SaveRequest{PatternKey: "ACME-JS", Payload: payload(t, map[string]any{"edit": "local"})})
			require.NoError(t, err)
			localAt := h.clock.Now()
			remoteAt := localAt.Add(tt.remoteDelta)

			h.putRemote(t, &qk.Record{
				BusinessKey: res.BusinessKey,
				Identity:    "ACME-JS-0001",
				Revision:    1,
				Payload:     payload(t, map[string]any{"edit": "remote"}),
				CreatedAt:   remoteAt,
				ModifiedAt:  remoteAt,
			})

			require.Equal(t, qk.ModeOnline, h.mgr.HealthCheck(ctx))
			report := sched.Status().LastReport
			require.NotNil(t, report)
			assert.Equal(t, 1, report.Conflicts)
			assert.Zero(t, report.Errors)

			local := h.localRecord(t, res.BusinessKey)
			assert.JSONEq(t, tt.wantPayload, string(local.Payload))
			assert.Equal(t, qk.SyncSynced, local.SyncState)
			assert.JSONEq(t, tt.wantPayload, string(h.remoteRecord(t, res.BusinessKey).Payload))

			entries, err := h.mgr.SyncLog(ctx, 50)
			require.NoError(t, err)
			var conflict *qk.SyncLogEntry
			for _, e := range entries {
				if e.Outcome == qk.OutcomeConflictResolved {
					require.Nil(t, conflict, "exactly one conflict entry")
					conflict = e
				}
			}
			require.NotNil(t, conflict)
			assert.Equal(t, []string{res.BusinessKey}, conflict.BusinessKeys)
			require.NotNil(t, conflict.LocalModifiedAt)
			require.NotNil(t, conflict.RemoteModifiedAt)
			assert.True(t, conflict.LocalModifiedAt.Equal(localAt))
			assert.True(t, conflict.RemoteModifiedAt.Equal(remoteAt))
			assert.Equal(t, tt.wantDetail, conflict.Detail)
			assert.JSONEq(t, tt.wantLosing, string(conflict.LosingPayload))
		})
	}
}

func TestSyncScheduler_RefusesWhileOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	_, err := sched.RunNow(ctx, qk.TriggerManual)
	assert.ErrorIs(t, err, qk.ErrRemoteUnavailable)
	assert.NotEmpty(t, sched.Status().LastError)

	entries, err := h.mgr.SyncLog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncScheduler_ConnectivityLostMidPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := h.scheduler()

	require.Equal(t, qk.ModeOnline, h.mgr.HealthCheck(ctx))
	h.remote.SetDown(true)
	h.mgr.HealthCheck(ctx)

	for i := 0; i < 2; i++ {
		_, err := h.mgr.Save(ctx, qk.SaveRequest{PatternKey: "ACME-JS", Payload: payload(t, map[string]any{"n": i})})
		require.NoError(t, err)
	}

	// The remote answers pings but drops every write.
	h.remote.SetDown(false)
	h.remote.SetDropWrites(true)
	h.mgr.HealthCheck(ctx)

	st := sched.Status()
	require.NotNil(t, st.LastReport)
	assert.Equal(t, 1, st.LastReport.Errors, "pass stops after the first failed upload")
	assert.Contains(t, st.LastError, "connectivity lost")
	assert.Equal(t, qk.ModeOffline, h.mgr.Mode())

	pending, err := h.mgr.PendingUploads(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "nothing marked synced")
}

func TestSyncScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	sched := qk.NewSyncScheduler(h.mgr, 10*time.Millisecond, 10*time.Millisecond, qk.NewNopLogger(), h.clock, testutil.NewStubIDGenerator())

	sched.Start(context.Background())
	assert.True(t, sched.Status().Running)

	require.Eventually(t, func() bool {
		return h.mgr.Mode() == qk.ModeOnline && sched.Status().Passes > 0
	}, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
	assert.False(t, sched.Status().Running)
	sched.Stop()
}

func TestSyncScheduler_PeriodicTickWhileOffline(t *testing.T) {
	h := newHarness(t)
	sched := qk.NewSyncScheduler(h.mgr, 10*time.Millisecond, 0, qk.NewNopLogger(), h.clock, testutil.NewStubIDGenerator())

	sched.Start(context.Background())
	defer sched.Stop()

	// No health checks run, so the manager stays OFFLINE and every tick is
	// refused by the pass itself.
	require.Eventually(t, func() bool {
		return sched.Status().Passes > 0
	}, 2*time.Second, 10*time.Millisecond)

	st := sched.Status()
	assert.Equal(t, qk.ModeOffline, h.mgr.Mode())
	assert.Contains(t, st.LastError, "offline")
	assert.Equal(t, int64(0), h.remote.Puts())
}
