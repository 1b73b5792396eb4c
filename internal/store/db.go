package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_store (
	hash      CHAR(32) PRIMARY KEY,
	store_key TEXT NOT NULL,
	value     TEXT NOT NULL
)`

// DBStore keeps keys in the task_store table, addressed by the md5 of the key.
type DBStore struct {
	db      *sql.DB
	dialect string
}

func NewDBStore(driver, dsn string) (*DBStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// Every connection to an in-memory database sees its own copy.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return NewDBStoreFromDB(db, driver), nil
}

func NewDBStoreFromDB(db *sql.DB, dialect string) *DBStore {
	return &DBStore{db: db, dialect: dialect}
}

func (s *DBStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create task_store: %w", err)
	}

	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *DBStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func (s *DBStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM task_store WHERE hash = ?`), hashKey(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return value, nil
}

func (s *DBStore) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO task_store (hash, store_key, value) VALUES (?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), hashKey(key), key, value); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

func (s *DBStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM task_store WHERE hash = ?`), hashKey(key)); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

func (s *DBStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM task_store WHERE hash = ?`), hashKey(key)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}

	return n > 0, nil
}

func (s *DBStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == "" {
		query := `
			INSERT INTO task_store (hash, store_key, value) VALUES (?, ?, ?)
			ON CONFLICT (hash) DO NOTHING
		`
		res, err = s.db.ExecContext(ctx, s.rebind(query), hashKey(key), key, value)
	} else {
		query := `UPDATE task_store SET value = ? WHERE hash = ? AND value = ?`
		res, err = s.db.ExecContext(ctx, s.rebind(query), value, hashKey(key), old)
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap key %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (s *DBStore) DB() *sql.DB {
	return s.db
}

func (s *DBStore) Close() error {
	return s.db.Close()
}
