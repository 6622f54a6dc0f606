// Package store manages all SQLite persistence for tagged.
//
// The store plays the part browser storage plays for the web client:
// a key/value table split into a "session" scope (USER_DOC_ID,
// ACCESS_TOKEN, ...) and a "local" scope (cached OAuth artifacts), plus an
// append-only log of settled like mutations.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/tagged/pkg/model"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS storage (
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS mutations (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		resource     TEXT NOT NULL,
		item_id      TEXT NOT NULL,
		actor        TEXT NOT NULL,
		phase        TEXT NOT NULL,
		before_liked INTEGER NOT NULL,
		before_count INTEGER NOT NULL,
		after_liked  INTEGER NOT NULL,
		after_count  INTEGER NOT NULL,
		error        TEXT,
		created_at   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_actor ON mutations(actor, id);
	CREATE INDEX IF NOT EXISTS idx_mutations_target ON mutations(resource, item_id, actor);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// GetItem returns the value stored under key in scope.
func (s *Store) GetItem(scope model.Scope, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(
		`SELECT value FROM storage WHERE scope = ? AND key = ?`, string(scope), key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetItem stores value under key in scope, overwriting any previous value.
func (s *Store) SetItem(scope model.Scope, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO storage (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			string(scope), key, value, now,
		)
		return err
	})
}

// RemoveItem deletes key from scope. Removing a missing key is not an error.
func (s *Store) RemoveItem(scope model.Scope, key string) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM storage WHERE scope = ? AND key = ?`, string(scope), key)
		return err
	})
}

// Clear deletes every key in scope.
func (s *Store) Clear(scope model.Scope) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM storage WHERE scope = ?`, string(scope))
		return err
	})
}

// Items returns all key/value pairs in scope.
func (s *Store) Items(scope model.Scope) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM storage WHERE scope = ? ORDER BY key`, string(scope))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		items[k] = v
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// InsertMutation appends a mutation outcome to the log. Returns the row ID.
func (s *Store) InsertMutation(r *model.MutationRecord) (int64, error) {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO mutations (resource, item_id, actor, phase,
			   before_liked, before_count, after_liked, after_count, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Target.Resource), r.Target.ID, r.Target.Actor, string(r.Phase),
			boolToInt(r.Before.IsLiked), r.Before.Count,
			boolToInt(r.After.IsLiked), r.After.Count,
			r.Error, created.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// ListMutations returns the most recent mutations, newest first. An empty
// actor lists all actors.
func (s *Store) ListMutations(actor string, limit int) ([]model.MutationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, resource, item_id, actor, phase,
		        before_liked, before_count, after_liked, after_count,
		        COALESCE(error,''), created_at
		 FROM mutations WHERE (? = '' OR actor = ?)
		 ORDER BY id DESC LIMIT ?`,
		actor, actor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMutations(rows)
}

// CountMutations returns the total number of logged mutations.
func (s *Store) CountMutations() int64 {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func scanMutations(rows *sql.Rows) ([]model.MutationRecord, error) {
	var out []model.MutationRecord
	for rows.Next() {
		var r model.MutationRecord
		var resource, phase, createdStr string
		var bLiked, aLiked int
		if err := rows.Scan(&r.ID, &resource, &r.Target.ID, &r.Target.Actor, &phase,
			&bLiked, &r.Before.Count, &aLiked, &r.After.Count, &r.Error, &createdStr); err != nil {
			return nil, err
		}
		r.Target.Resource = model.ResourceType(resource)
		r.Phase = model.Phase(phase)
		r.Before.IsLiked = bLiked != 0
		r.After.IsLiked = aLiked != 0
		var parseErr error
		r.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at for mutation %d: %w", r.ID, parseErr)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
