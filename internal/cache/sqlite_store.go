package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// NewSQLiteProvider opens (or creates) the sqlite database at filename and
// prepares the schema. An empty filename opens a private in-memory database.
// All namespaces share the same file; rows are partitioned by namespace.
func NewSQLiteProvider(filename string) (Provider, error) {
	if filename == "" {
		filename = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers without relying on busy timeouts.
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, name)
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, generation, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare sqlite schema: %w", err)
		}
	}

	return &sqliteProvider{db: db, writeMutex: &sync.Mutex{}}, nil
}

type sqliteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func (p *sqliteProvider) Storage(namespace string) (Storage, error) {
	if err := validName(namespace); err != nil {
		return nil, fmt.Errorf("namespace %q: %w", namespace, err)
	}
	return &sqliteStorage{provider: p, namespace: namespace}, nil
}

func (p *sqliteProvider) Close() error {
	return p.db.Close()
}

type sqliteStorage struct {
	provider  *sqliteProvider
	namespace string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := validName(name); err != nil {
		return nil, fmt.Errorf("generation %q: %w", name, err)
	}
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()

	_, err := s.provider.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generations (namespace, name, created_at) VALUES (?, ?, ?)`,
		s.namespace, name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return &sqliteGeneration{storage: s, name: name}, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.provider.db.QueryContext(ctx,
		`SELECT name FROM generations WHERE namespace = ? ORDER BY name`, s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()

	tx, err := s.provider.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM generations WHERE namespace = ? AND name = ?`, s.namespace, name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE namespace = ? AND generation = ?`, s.namespace, name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type sqliteGeneration struct {
	storage *sqliteStorage
	name    string
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key Key) (*Entry, error) {
	row := g.storage.provider.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE namespace = ? AND generation = ? AND key = ?`,
		g.storage.namespace, g.name, key.String())

	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	if err := row.Scan(&status, &header, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Key:    key,
		Status: status,
		Header: make(http.Header),
		Body:   body,
	}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &entry.Header); err != nil {
			return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
		}
	}
	if storedAt != 0 {
		entry.StoredAt = time.Unix(0, storedAt).UTC()
	}
	return &entry, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, entry Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	var storedAt int64
	if !entry.StoredAt.IsZero() {
		storedAt = entry.StoredAt.UnixNano()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	g.storage.provider.writeMutex.Lock()
	defer g.storage.provider.writeMutex.Unlock()

	tx, err := g.storage.provider.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM generations WHERE namespace = ? AND name = ?`,
		g.storage.namespace, g.name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrGenerationGone
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO entries
		(namespace, generation, key, method, url, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, generation, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		g.storage.namespace, g.name, entry.Key.String(), entry.Key.Method, entry.Key.URL,
		entry.Status, header, body, storedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]Key, error) {
	rows, err := g.storage.provider.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE namespace = ? AND generation = ? ORDER BY key`,
		g.storage.namespace, g.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
