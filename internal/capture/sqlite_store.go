package capture

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db        *sql.DB
	readyOnce sync.Once
	readyErr  error
}

func NewSQLiteStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) ensureReady(ctx context.Context) error {
	s.readyOnce.Do(func() {
		_, s.readyErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS chatvault_state (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`)
	})
	return s.readyErr
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM chatvault_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chatvault_state (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chatvault_state WHERE key = ?`, key); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
