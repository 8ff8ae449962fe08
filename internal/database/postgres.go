package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"quotekeeper/internal/qk"
)

// PostgresStore is the shared remote store.
type PostgresStore struct {
	db *sql.DB
}

var _ qk.RemoteStore = (*PostgresStore)(nil)

// OpenPostgres connects to dsn through the pgx driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging remote: %w", err)
	}
	return nil
}

const pgRecordColumns = `business_key, identity, revision, payload, attachment, created_at, modified_at, sync_state, change_seq`

// changeSeqLockKey is the advisory lock that serializes record writes. A
// writer takes nextval('records_change_seq') only while holding it, so change
// sequence numbers commit in order and a reader paging by change_seq never
// skips a row that commits late.
const changeSeqLockKey = 7_140_001

const (
	pgInsertRecord = `
		INSERT INTO records (business_key, identity, revision, payload, attachment, created_at, modified_at, sync_state)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8)`

	pgUpsertRecord = pgInsertRecord + `
		ON CONFLICT (business_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			attachment = EXCLUDED.attachment,
			created_at = EXCLUDED.created_at,
			modified_at = EXCLUDED.modified_at,
			sync_state = EXCLUDED.sync_state,
			change_seq = nextval('records_change_seq')`
)

func (s *PostgresStore) PutRecord(ctx context.Context, rec *qk.Record) error {
	args, err := pgRecordArgs(rec)
	if err != nil {
		return err
	}
	if err := withRetry(ctx, func() error { return s.write(ctx, pgUpsertRecord, args) }); err != nil {
		return fmt.Errorf("putting record %s: %w", rec.BusinessKey, err)
	}
	return nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, rec *qk.Record) error {
	args, err := pgRecordArgs(rec)
	if err != nil {
		return err
	}
	err = withRetry(ctx, func() error { return s.write(ctx, pgInsertRecord, args) })
	if isUniqueViolation(err) {
		return fmt.Errorf("creating record %s: %w", rec.BusinessKey, qk.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("creating record %s: %w", rec.BusinessKey, err)
	}
	return nil
}

// write runs one record statement in a transaction holding the write lock.
func (s *PostgresStore) write(ctx context.Context, query string, args []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, changeSeqLockKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func pgRecordArgs(rec *qk.Record) ([]any, error) {
	attachment, err := encodeAttachment(rec.Attachment)
	if err != nil {
		return nil, err
	}
	state := rec.SyncState
	if state == "" {
		state = qk.SyncSynced
	}
	return []any{
		rec.BusinessKey, rec.Identity, rec.Revision, string(rec.Payload), attachment,
		rec.CreatedAt, rec.ModifiedAt, string(state),
	}, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, businessKey string) (*qk.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgRecordColumns+` FROM records WHERE business_key = $1`, businessKey)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", businessKey, err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByIdentity(ctx context.Context, identity string, revision int) (*qk.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgRecordColumns+` FROM records WHERE identity = $1 AND revision = $2`, identity, revision)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s revision %d: %w", identity, revision, err)
	}
	return rec, nil
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MaxRevision(ctx context.Context, identity string) (int, error) {
	var rev int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM records WHERE identity = $1`, identity).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("reading max revision of %s: %w", identity, err)
	}
	return rev, nil
}

const pgLatestMatch = `
	FROM (
		SELECT DISTINCT ON (identity) ` + pgRecordColumns + `
		FROM records ORDER BY identity, revision DESC
	) latest
	WHERE business_key ILIKE $1 OR payload::text ILIKE $1`

func (s *PostgresStore) SearchRecords(ctx context.Context, query string, offset, limit int) ([]*qk.Record, int64, error) {
	pattern := likePattern(query)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+pgLatestMatch, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting search results: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgRecordColumns+pgLatestMatch+` ORDER BY modified_at DESC, business_key LIMIT $2 OFFSET $3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("searching records: %w", err)
	}
	recs, err := collectPostgresRecords(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("searching records: %w", err)
	}
	return recs, total, nil
}

func (s *PostgresStore) ListChangedSince(ctx context.Context, after int64) ([]*qk.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgRecordColumns+` FROM records WHERE change_seq > $1 ORDER BY change_seq`, after)
	if err != nil {
		return nil, fmt.Errorf("listing changed records: %w", err)
	}
	recs, err := collectPostgresRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("listing changed records: %w", err)
	}
	return recs, nil
}

// IncrementAtLeast issues max(last_issued, floor) + 1 in one atomic statement.
func (s *PostgresStore) IncrementAtLeast(ctx context.Context, patternKey string, floor int64) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO counters (pattern_key, last_issued) VALUES ($1, $2::bigint + 1)
			ON CONFLICT (pattern_key) DO UPDATE SET last_issued = GREATEST(counters.last_issued, $2::bigint) + 1
			RETURNING last_issued`, patternKey, floor).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", patternKey, err)
	}
	return n, nil
}

func scanPostgresRecord(row rowScanner) (*qk.Record, error) {
	var (
		rec        qk.Record
		payload    []byte
		attachment []byte
		state      string
	)
	if err := row.Scan(&rec.BusinessKey, &rec.Identity, &rec.Revision, &payload, &attachment,
		&rec.CreatedAt, &rec.ModifiedAt, &state, &rec.ChangeSeq); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ModifiedAt = rec.ModifiedAt.UTC()
	rec.SyncState = qk.SyncState(state)

	att, err := decodeAttachment(attachment)
	if err != nil {
		return nil, err
	}
	rec.Attachment = att
	return &rec, nil
}

func collectPostgresRecords(rows *sql.Rows) ([]*qk.Record, error) {
	defer rows.Close()
	var out []*qk.Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const retryDelay = 50 * time.Millisecond

// withRetry runs fn again once when it fails with a transient Postgres error.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isRetryablePGError(err) {
		return err
	}
	if err := sleepWithContext(ctx, retryDelay); err != nil {
		return err
	}
	return fn()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
