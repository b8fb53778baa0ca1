// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable       = "articles"
	uniqueViolation    = "23505"
	accessDeniedPrefix = "access_denied:%"
)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore implements harvest.Store on a single Postgres table. Uniqueness
// of each key tier is enforced by partial unique indexes (see Schema).
type RecordStore struct {
	pool  pgxPool
	table string
}

var _ harvest.Store = (*RecordStore)(nil)

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %w", harvest.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", harvest.ErrStoreUnavailable, err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool pgxPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Schema returns the DDL for table.
func Schema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	identifier TEXT,
	title TEXT NOT NULL,
	authors TEXT[] NOT NULL DEFAULT '{}',
	venue TEXT NOT NULL DEFAULT '',
	abstract TEXT NOT NULL DEFAULT '',
	keywords TEXT[] NOT NULL DEFAULT '{}',
	publication_date DATE,
	detail_url TEXT NOT NULL DEFAULT '',
	artifact_url TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	fingerprint TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_identifier_key ON %[1]s (identifier) WHERE identifier IS NOT NULL`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_fingerprint_key ON %[1]s (fingerprint) WHERE identifier IS NULL AND fingerprint IS NOT NULL`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_title_key ON %[1]s (title) WHERE identifier IS NULL AND fingerprint IS NULL`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status, id)`, table),
	}
}

// EnsureSchema applies Schema to the store table.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema(s.table) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.fail("ensure schema", err)
		}
	}
	return nil
}

// Upsert inserts rec as pending unless its highest available key tier
// already matches a stored row. The NOT EXISTS guard applies the tier rule;
// the unique indexes settle concurrent inserts of the same key.
func (s *RecordStore) Upsert(ctx context.Context, rec harvest.Record) (harvest.UpsertResult, error) {
	tier, key := harvest.DedupKey(rec)
	if tier == harvest.TierNone {
		return harvest.UpsertResult{}, fmt.Errorf("upsert: title is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	identifier,
	title,
	authors,
	venue,
	abstract,
	keywords,
	publication_date,
	detail_url,
	artifact_url,
	fingerprint,
	status
)
SELECT $1::text, $2::text, $3::text[], $4::text, $5::text, $6::text[], $7::date, $8::text, $9::text, $10::text, 'pending'
WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE %[2]s = $11)
ON CONFLICT DO NOTHING
RETURNING id`, s.table, tier)

	// Stored keys are trimmed so the NOT EXISTS guard and the unique
	// indexes compare the same values.
	args := []any{
		nullable(strings.TrimSpace(rec.Identifier)),
		strings.TrimSpace(rec.Title),
		nonNil(rec.Authors),
		rec.Venue,
		rec.Abstract,
		nonNil(rec.Keywords),
		rec.PublicationDate,
		rec.DetailURL,
		rec.ArtifactURL,
		nullable(strings.TrimSpace(rec.Fingerprint)),
		key,
	}
	var id int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return harvest.UpsertResult{Outcome: harvest.Duplicate}, nil
	case isUniqueViolation(err):
		return harvest.UpsertResult{Outcome: harvest.Duplicate}, nil
	case err != nil:
		return harvest.UpsertResult{}, s.fail("upsert record", err)
	}
	return harvest.UpsertResult{Outcome: harvest.Inserted, ID: id}, nil
}

// Exists reports whether rec's highest available key tier is already stored.
func (s *RecordStore) Exists(ctx context.Context, rec harvest.Record) (bool, error) {
	tier, key := harvest.DedupKey(rec)
	if tier == harvest.TierNone {
		return false, nil
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`, s.table, tier)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, s.fail("check record", err)
	}
	return exists, nil
}

// SaveDetails stores the detail-page fields and artifact URL of rec.
func (s *RecordStore) SaveDetails(ctx context.Context, rec harvest.Record) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	abstract = $2,
	keywords = $3,
	publication_date = COALESCE($4, publication_date),
	artifact_url = $5,
	updated_at = now()
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, rec.ID, rec.Abstract, nonNil(rec.Keywords), rec.PublicationDate, rec.ArtifactURL)
	if err != nil {
		return s.fail("save details", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save details %d: %w", rec.ID, harvest.ErrNotFound)
	}
	return nil
}

// MarkDownloaded records a verified artifact. An identifier-less row whose
// fingerprint is already stored elsewhere is deleted and ErrDuplicate returned.
func (s *RecordStore) MarkDownloaded(ctx context.Context, id int64, path, fingerprint string) error {
	dedup := fmt.Sprintf(`
DELETE FROM %[1]s
WHERE id = $1
	AND identifier IS NULL
	AND EXISTS (SELECT 1 FROM %[1]s o WHERE o.fingerprint = $2 AND o.id <> $1)`, s.table)
	tag, err := s.pool.Exec(ctx, dedup, id, fingerprint)
	if err != nil {
		return s.fail("dedup fingerprint", err)
	}
	if tag.RowsAffected() > 0 {
		return fmt.Errorf("mark downloaded %d: fingerprint %s: %w", id, fingerprint, harvest.ErrDuplicate)
	}

	update := fmt.Sprintf(`
UPDATE %s SET
	status = 'downloaded',
	local_path = $2,
	fingerprint = $3,
	last_error = '',
	updated_at = now()
WHERE id = $1`, s.table)
	tag, err = s.pool.Exec(ctx, update, id, path, nullable(fingerprint))
	if isUniqueViolation(err) {
		// Lost a race with another worker storing the same bytes.
		if _, delErr := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id); delErr != nil {
			return s.fail("drop duplicate", delErr)
		}
		return fmt.Errorf("mark downloaded %d: fingerprint %s: %w", id, fingerprint, harvest.ErrDuplicate)
	}
	if err != nil {
		return s.fail("mark downloaded", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark downloaded %d: %w", id, harvest.ErrNotFound)
	}
	return nil
}

// MarkFailed increments attempts and stores the truncated message.
func (s *RecordStore) MarkFailed(ctx context.Context, id int64, msg string) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = 'failed',
	attempts = attempts + 1,
	last_error = $2,
	updated_at = now()
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, harvest.Truncate(msg, harvest.MaxErrorLen))
	if err != nil {
		return s.fail("mark failed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %d: %w", id, harvest.ErrNotFound)
	}
	return nil
}

// FetchPending returns up to limit pending records in insertion order.
func (s *RecordStore) FetchPending(ctx context.Context, limit int) ([]harvest.Record, error) {
	return s.ListByStatus(ctx, harvest.StatusPending, limit)
}

// RequeueFailed moves failed rows under maxAttempts back to pending, except
// rows whose last failure was an access denial.
func (s *RecordStore) RequeueFailed(ctx context.Context, maxAttempts int) (int64, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', updated_at = now()
WHERE status = 'failed' AND attempts < $1 AND last_error NOT LIKE $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, maxAttempts, accessDeniedPrefix)
	if err != nil {
		return 0, s.fail("requeue failed", err)
	}
	return tag.RowsAffected(), nil
}

// ListByStatus returns up to limit records with status, ordered by id.
func (s *RecordStore) ListByStatus(ctx context.Context, status harvest.Status, limit int) ([]harvest.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT
	id,
	COALESCE(identifier, ''),
	title,
	authors,
	venue,
	abstract,
	keywords,
	publication_date,
	detail_url,
	artifact_url,
	local_path,
	COALESCE(fingerprint, ''),
	status,
	attempts,
	last_error
FROM %s
WHERE status = $1
ORDER BY id
LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, s.fail("list records", err)
	}
	defer rows.Close()

	var out []harvest.Record
	for rows.Next() {
		var (
			rec    harvest.Record
			date   pgtype.Date
			status string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Identifier,
			&rec.Title,
			&rec.Authors,
			&rec.Venue,
			&rec.Abstract,
			&rec.Keywords,
			&date,
			&rec.DetailURL,
			&rec.ArtifactURL,
			&rec.LocalPath,
			&rec.Fingerprint,
			&status,
			&rec.State.Attempts,
			&rec.State.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if date.Valid {
			d := date.Time
			rec.PublicationDate = &d
		}
		rec.State.Status = harvest.Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate records", err)
	}
	return out, nil
}

func (s *RecordStore) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, harvest.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
