package qk

import (
	"context"
	"fmt"
	"time"
)

// QuorumSize is the number of confirmations a write needs to count as durable.
const QuorumSize = 2

// Baseline is what the verifier needs to know about the store before a write.
type Baseline struct {
	Count         int64 // CountRecords before the write
	ExpectedDelta int64 // 1 for an insert, 0 for an in-place update
}

// CheckResult is the outcome of one verification probe.
type CheckResult struct {
	Name      string
	Confirmed bool
	Err       error
}

// Verification summarizes a post-write verification.
type Verification struct {
	Confirmations int
	OutOf         int
	Checks        []CheckResult
}

// Durable reports whether a quorum of probes confirmed the write.
func (v Verification) Durable() bool {
	return v.Confirmations >= QuorumSize
}

func (v Verification) String() string {
	return fmt.Sprintf("%d/%d", v.Confirmations, v.OutOf)
}

// WriteVerifier re-reads a store through independent query paths after a
// write, because a backend can acknowledge a write it never persisted.
type WriteVerifier struct {
	store   RecordReader
	timeout time.Duration
	logger  Logger
}

// NewWriteVerifier creates a verifier over the given store.
func NewWriteVerifier(store RecordReader, timeout time.Duration, logger Logger) *WriteVerifier {
	return &WriteVerifier{store: store, timeout: timeout, logger: logger}
}

// Verify runs the three probes for rec:
//  1. lookup by business key
//  2. lookup through the (identity, revision) index
//  3. record count delta against the baseline
//
// Probes 1 and 2 only confirm a record carrying the written payload.
func (v *WriteVerifier) Verify(ctx context.Context, rec *Record, base Baseline) Verification {
	want := rec.PayloadDigest()

	checks := []CheckResult{
		v.probe(ctx, "primary_key", func(ctx context.Context) (bool, error) {
			got, err := v.store.GetRecord(ctx, rec.BusinessKey)
			if err != nil || got == nil {
				return false, err
			}
			return got.Revision == rec.Revision && got.PayloadDigest() == want, nil
		}),
		v.probe(ctx, "identity_index", func(ctx context.Context) (bool, error) {
			got, err := v.store.FindByIdentity(ctx, rec.Identity, rec.Revision)
			if err != nil || got == nil {
				return false, err
			}
			return got.BusinessKey == rec.BusinessKey && got.PayloadDigest() == want, nil
		}),
		v.probe(ctx, "count_delta", func(ctx context.Context) (bool, error) {
			n, err := v.store.CountRecords(ctx)
			if err != nil {
				return false, err
			}
			return n-base.Count == base.ExpectedDelta, nil
		}),
	}

	result := Verification{OutOf: len(checks), Checks: checks}
	for _, c := range checks {
		if c.Confirmed {
			result.Confirmations++
		}
	}

	if !result.Durable() {
		v.logger.Warn("write not confirmed", "key", rec.BusinessKey, "confirmations", result.String())
	}
	return result
}

func (v *WriteVerifier) probe(ctx context.Context, name string, fn func(context.Context) (bool, error)) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	ok, err := fn(ctx)
	if err != nil {
		v.logger.Debug("verification probe failed", "probe", name, "error", err)
	}
	return CheckResult{Name: name, Confirmed: ok && err == nil, Err: err}
}
