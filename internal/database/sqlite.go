package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotekeeper/internal/database/migrations"
	"quotekeeper/internal/qk"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is the local durable store. It also satisfies qk.RemoteStore,
// which lets tests and single-machine setups use a second SQLite file as
// the shared store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var (
	_ qk.LocalStore  = (*SQLiteStore)(nil)
	_ qk.RemoteStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens the database at path (or ":memory:") and migrates it
// to the latest schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating local store: %w", err)
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("local store schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens a SQLite connection configured for concurrent use.
// File databases use WAL, a busy timeout and immediate transactions so
// several processes can share one file. An in-memory database is limited to
// a single connection, since every connection would otherwise get its own
// empty database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteRecordColumns = `business_key, identity, revision, payload, attachment, created_at, modified_at, sync_state, change_seq`

// Record operations

// Every write takes the next change_seq. The statement runs under SQLite's
// write lock, so sequence numbers are unique and committed in order.
const (
	sqliteInsertRecord = `
		INSERT INTO records (business_key, identity, revision, pattern_key, sequence, payload, attachment, created_at, modified_at, sync_state, change_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM records))`

	sqliteUpsertRecord = sqliteInsertRecord + `
		ON CONFLICT(business_key) DO UPDATE SET
			payload = excluded.payload,
			attachment = excluded.attachment,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			sync_state = excluded.sync_state,
			change_seq = (SELECT MAX(change_seq) + 1 FROM records)`
)

func (s *SQLiteStore) PutRecord(ctx context.Context, rec *qk.Record) error {
	args, err := sqliteRecordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertRecord, args...); err != nil {
		return fmt.Errorf("putting record %s: %w", rec.BusinessKey, err)
	}
	return nil
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *qk.Record) error {
	args, err := sqliteRecordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteInsertRecord, args...); err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("creating record %s: %w", rec.BusinessKey, qk.ErrDuplicate)
		}
		return fmt.Errorf("creating record %s: %w", rec.BusinessKey, err)
	}
	return nil
}

func sqliteRecordArgs(rec *qk.Record) ([]any, error) {
	parts, err := qk.ParseBusinessKey(rec.BusinessKey)
	if err != nil {
		return nil, err
	}
	attachment, err := encodeAttachment(rec.Attachment)
	if err != nil {
		return nil, err
	}
	state := rec.SyncState
	if state == "" {
		state = qk.SyncLocalOnly
	}
	identity := rec.Identity
	if identity == "" {
		identity = parts.Identity()
	}
	return []any{
		rec.BusinessKey, identity, parts.Revision, parts.PatternKey(), parts.Sequence,
		string(rec.Payload), attachment, toNanos(rec.CreatedAt), toNanos(rec.ModifiedAt), string(state),
	}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *SQLiteStore) GetRecord(ctx context.Context, businessKey string) (*qk.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE business_key = ?`, businessKey)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", businessKey, err)
	}
	return rec, nil
}

func (s *SQLiteStore) FindByIdentity(ctx context.Context, identity string, revision int) (*qk.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE identity = ? AND revision = ?`, identity, revision)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s revision %d: %w", identity, revision, err)
	}
	return rec, nil
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MaxRevision(ctx context.Context, identity string) (int, error) {
	var rev int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM records WHERE identity = ?`, identity).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("reading max revision of %s: %w", identity, err)
	}
	return rev, nil
}

const sqliteLatestMatch = `
	FROM records r
	WHERE r.revision = (SELECT MAX(revision) FROM records WHERE identity = r.identity)
	  AND (r.business_key LIKE ? ESCAPE '\' OR r.payload LIKE ? ESCAPE '\')`

func (s *SQLiteStore) SearchRecords(ctx context.Context, query string, offset, limit int) ([]*qk.Record, int64, error) {
	pattern := likePattern(query)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+sqliteLatestMatch, pattern, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting search results: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.business_key, r.identity, r.revision, r.payload, r.attachment, r.created_at, r.modified_at, r.sync_state, r.change_seq`+
			sqliteLatestMatch+` ORDER BY r.modified_at DESC, r.business_key LIMIT ? OFFSET ?`,
		pattern, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("searching records: %w", err)
	}
	recs, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("searching records: %w", err)
	}
	return recs, total, nil
}

func (s *SQLiteStore) ListChangedSince(ctx context.Context, after int64) ([]*qk.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE change_seq > ? ORDER BY change_seq`, after)
	if err != nil {
		return nil, fmt.Errorf("listing changed records: %w", err)
	}
	recs, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("listing changed records: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) ListBySyncState(ctx context.Context, state qk.SyncState) ([]*qk.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE sync_state = ? ORDER BY modified_at, business_key`,
		string(state))
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", state, err)
	}
	recs, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", state, err)
	}
	return recs, nil
}

func (s *SQLiteStore) SetSyncState(ctx context.Context, businessKey string, state qk.SyncState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown sync state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_state = ? WHERE business_key = ?`, string(state), businessKey)
	if err != nil {
		return fmt.Errorf("setting sync state of %s: %w", businessKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setting sync state of %s: %w", businessKey, qk.ErrNotFound)
	}
	return nil
}

// Counter operations

func (s *SQLiteStore) IncrementAtLeast(ctx context.Context, patternKey string, floor int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (pattern_key, last_issued) VALUES (?, ? + 1)
		ON CONFLICT(pattern_key) DO UPDATE SET last_issued = MAX(counters.last_issued, ?) + 1
		RETURNING last_issued`,
		patternKey, floor, floor).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", patternKey, err)
	}
	return n, nil
}

func (s *SQLiteStore) ObserveSequence(ctx context.Context, patternKey string, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (pattern_key, last_issued) VALUES (?, ?)
		ON CONFLICT(pattern_key) DO UPDATE SET last_issued = MAX(counters.last_issued, excluded.last_issued)`,
		patternKey, n)
	if err != nil {
		return fmt.Errorf("observing sequence %s/%d: %w", patternKey, n, err)
	}
	return nil
}

func (s *SQLiteStore) MaxSequence(ctx context.Context, patternKey string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM records WHERE pattern_key = ?`, patternKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reading max sequence of %s: %w", patternKey, err)
	}
	return n, nil
}

// Sync log and checkpoint

func (s *SQLiteStore) AppendSyncLog(ctx context.Context, e *qk.SyncLogEntry) error {
	keys, err := json.Marshal(e.BusinessKeys)
	if err != nil {
		return fmt.Errorf("encoding business keys: %w", err)
	}
	var losing any
	if len(e.LosingPayload) > 0 {
		losing = string(e.LosingPayload)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_log (id, logged_at, direction, outcome, business_keys, local_modified_at, remote_modified_at, detail, losing_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, toNanos(e.LoggedAt), string(e.Direction), string(e.Outcome), string(keys),
		nullableNanos(e.LocalModifiedAt), nullableNanos(e.RemoteModifiedAt), e.Detail, losing)
	if err != nil {
		return fmt.Errorf("appending sync log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSyncLog(ctx context.Context, limit int) ([]*qk.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, logged_at, direction, outcome, business_keys, local_modified_at, remote_modified_at, detail, losing_payload
		FROM sync_log ORDER BY logged_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync log: %w", err)
	}
	defer rows.Close()

	var out []*qk.SyncLogEntry
	for rows.Next() {
		var (
			e                  qk.SyncLogEntry
			loggedAt           int64
			direction, outcome string
			keys               string
			localAt, remoteAt  sql.NullInt64
			losing             sql.NullString
		)
		if err := rows.Scan(&e.ID, &loggedAt, &direction, &outcome, &keys, &localAt, &remoteAt, &e.Detail, &losing); err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &e.BusinessKeys); err != nil {
			return nil, fmt.Errorf("decoding business keys: %w", err)
		}
		e.LoggedAt = fromNanos(loggedAt)
		e.Direction = qk.SyncDirection(direction)
		e.Outcome = qk.SyncOutcome(outcome)
		e.LocalModifiedAt = nanosPtr(localAt)
		e.RemoteModifiedAt = nanosPtr(remoteAt)
		if losing.Valid {
			e.LosingPayload = json.RawMessage(losing.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Checkpoint(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT change_seq FROM sync_checkpoint WHERE id = 1`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SetCheckpoint(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoint (id, change_seq) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET change_seq = excluded.change_seq`, seq)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*qk.Record, error) {
	var (
		rec                 qk.Record
		payload             string
		attachment          sql.NullString
		createdAt, modified int64
		state               string
	)
	if err := row.Scan(&rec.BusinessKey, &rec.Identity, &rec.Revision, &payload, &attachment, &createdAt, &modified, &state, &rec.ChangeSeq); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = fromNanos(createdAt)
	rec.ModifiedAt = fromNanos(modified)
	rec.SyncState = qk.SyncState(state)
	if attachment.Valid {
		att, err := decodeAttachment([]byte(attachment.String))
		if err != nil {
			return nil, err
		}
		rec.Attachment = att
	}
	return &rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]*qk.Record, error) {
	defer rows.Close()
	var out []*qk.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeAttachment(att *qk.Attachment) (any, error) {
	if att == nil {
		return nil, nil
	}
	b, err := json.Marshal(att)
	if err != nil {
		return nil, fmt.Errorf("encoding attachment: %w", err)
	}
	return string(b), nil
}

func decodeAttachment(b []byte) (*qk.Attachment, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var att qk.Attachment
	if err := json.Unmarshal(b, &att); err != nil {
		return nil, fmt.Errorf("decoding attachment: %w", err)
	}
	return &att, nil
}

// Timestamps are stored as Unix nanoseconds so they compare numerically.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// likePattern builds a LIKE pattern matching query anywhere, with LIKE
// wildcards in query escaped.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(query) + "%"
}
