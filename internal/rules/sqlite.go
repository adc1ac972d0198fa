package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/shineum/ses-mail-router/internal/routing"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS routing_rules (
	pk       TEXT PRIMARY KEY,
	document TEXT NOT NULL
)`

// SQLiteStore keeps routing rules in a local SQLite file, one JSON document
// per key. Documents use the same field names as the DynamoDB items, in
// either encoding. It backs local development and tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the rule database at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rules schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put stores a raw rule document under key, replacing any existing one.
func (s *SQLiteStore) Put(ctx context.Context, key string, document []byte) error {
	var rec record
	if err := json.Unmarshal(document, &rec); err != nil {
		return fmt.Errorf("invalid rule document for %s: %w", key, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_rules (pk, document) VALUES (?, ?)
		 ON CONFLICT(pk) DO UPDATE SET document = excluded.document`,
		key, string(document),
	)
	if err != nil {
		return fmt.Errorf("failed to store rule %s: %w", key, err)
	}
	return nil
}

// Get implements routing.RuleStore.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*routing.Rule, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM routing_rules WHERE pk = ?`, key,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", key, err)
	}

	return rec.toRule(key), nil
}
