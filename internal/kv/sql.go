package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store on PostgreSQL or SQLite.
// Expiry is evaluated against the injected clock, never the database clock,
// so every node and every test agrees on what "expired" means.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     Clock
}

// OpenSQL opens a database for the dialect, tunes the pool and applies the
// embedded migrations.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, now Clock) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	driver := string(dialect)
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		if !strings.Contains(dsn, "?") && dsn != ":memory:" {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
		}
	default:
		return nil, fmt.Errorf("unknown store dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping: %w", dialect, err)
	}

	if err := NewMigrator(db, dialect).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewSQLStore(db, dialect, now), nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, dialect Dialect, now Clock) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, dialect: dialect, now: now}
}

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// q rewrites $N placeholders to ?N for SQLite.
func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

func (s *SQLStore) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

func (s *SQLStore) expiresMillis(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now().Add(ttl).UTC().UnixMilli(), Valid: true}
}

func (s *SQLStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		rec     = Record{Key: key}
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT value, version, expires_at
		FROM kv_records
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`), key, s.nowMillis()).Scan(&rec.Value, &rec.Version, &expires)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	if expires.Valid {
		rec.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	return rec, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	if value == nil {
		value = []byte{}
	}
	var version int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO kv_records (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value,
		    version = kv_records.version + 1,
		    expires_at = excluded.expires_at
		RETURNING version
	`), key, value, s.expiresMillis(ttl)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("kv set %s: %w", key, err)
	}
	return version, nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, value []byte, expected int64, ttl time.Duration) (int64, error) {
	if expected == 0 {
		return s.insertIfAbsent(ctx, key, value, ttl)
	}
	if value == nil {
		value = []byte{}
	}

	var version int64
	err := s.db.QueryRowContext(ctx, s.q(`
		UPDATE kv_records
		SET value = $1, version = version + 1, expires_at = $2
		WHERE key = $3 AND version = $4 AND (expires_at IS NULL OR expires_at > $5)
		RETURNING version
	`), value, s.expiresMillis(ttl), key, expected, s.nowMillis()).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("kv cas %s: %w", key, err)
	}
	return version, nil
}

// insertIfAbsent inserts key, or replaces it when the existing row expired.
func (s *SQLStore) insertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	if value == nil {
		value = []byte{}
	}
	var version int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO kv_records (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value,
		    version = kv_records.version + 1,
		    expires_at = excluded.expires_at
		WHERE kv_records.expires_at IS NOT NULL AND kv_records.expires_at <= $4
		RETURNING version
	`), key, value, s.expiresMillis(ttl), s.nowMillis()).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("kv insert %s: %w", key, err)
	}
	return version, nil
}

func (s *SQLStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_, err := s.insertIfAbsent(ctx, key, value, ttl)
	if errors.Is(err, ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string, expected int64) error {
	if expected == 0 {
		if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM kv_records WHERE key = $1`), key); err != nil {
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM kv_records
		WHERE key = $1 AND version = $2 AND (expires_at IS NULL OR expires_at > $3)
	`), key, expected, s.nowMillis())
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLStore) IndexAdd(ctx context.Context, index, member string, score int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO kv_index (index_name, member, score)
		VALUES ($1, $2, $3)
		ON CONFLICT (index_name, member) DO UPDATE SET score = excluded.score
	`), index, member, score)
	if err != nil {
		return fmt.Errorf("kv index add %s/%s: %w", index, member, err)
	}
	return nil
}

func (s *SQLStore) IndexRemove(ctx context.Context, index, member string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM kv_index WHERE index_name = $1 AND member = $2
	`), index, member)
	if err != nil {
		return fmt.Errorf("kv index remove %s/%s: %w", index, member, err)
	}
	return nil
}

func (s *SQLStore) RangeByScore(ctx context.Context, index string, q RangeQuery) ([]string, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
		if s.dialect == DialectPostgres {
			limit = 1 << 30
		}
	}

	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`
		SELECT member FROM kv_index
		WHERE index_name = $1 AND score >= $2 AND score <= $3
		ORDER BY score %s, member %s
		LIMIT $4
	`, order, order)), index, q.Min, q.Max, limit)
	if err != nil {
		return nil, fmt.Errorf("kv range %s: %w", index, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM kv_records WHERE expires_at IS NOT NULL AND expires_at <= $1
	`), s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", err)
	}
	return res.RowsAffected()
}
