package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db        *sql.DB
	closeOnce sync.Once

	getStmt       *sql.Stmt
	putStmt       *sql.Stmt
	statusStmt    *sql.Stmt
	deleteStmt    *sql.Stmt
	listOwnerStmt *sql.Stmt
	touchStmt     *sql.Stmt
}

// SQLiteConfig configures the SQLite key store.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLite opens (creating if needed) the key database at path.
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteWithConfig opens the key database with custom configuration.
func NewSQLiteWithConfig(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`
		SELECT id, owner_id, plan_id, name, key_hash, status, created_at, last_used_at
		FROM api_keys
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.putStmt, err = s.db.Prepare(`
		INSERT INTO api_keys (id, owner_id, plan_id, name, key_hash, status, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			plan_id = excluded.plan_id,
			name = excluded.name,
			key_hash = excluded.key_hash,
			status = excluded.status,
			last_used_at = excluded.last_used_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare put statement: %w", err)
	}

	s.statusStmt, err = s.db.Prepare(`UPDATE api_keys SET status = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare status statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM api_keys WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.listOwnerStmt, err = s.db.Prepare(`
		SELECT id, owner_id, plan_id, name, key_hash, status, created_at, last_used_at
		FROM api_keys
		WHERE owner_id = ?
		ORDER BY created_at DESC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.touchStmt, err = s.db.Prepare(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare touch statement: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (Key, error) {
	var (
		k        Key
		status   string
		created  int64
		lastUsed sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.OwnerID, &k.PlanID, &k.Name, &k.Hash, &status, &created, &lastUsed); err != nil {
		return Key{}, err
	}
	k.Status = Status(status)
	k.CreatedAt = time.Unix(0, created).UTC()
	if lastUsed.Valid {
		t := time.Unix(0, lastUsed.Int64).UTC()
		k.LastUsedAt = &t
	}
	return k, nil
}

// Get returns the key with the given id.
func (s *SQLite) Get(ctx context.Context, id string) (Key, error) {
	k, err := scanKey(s.getStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, ErrNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("failed to load key: %w", err)
	}
	return k, nil
}

// Put inserts or replaces a key record.
func (s *SQLite) Put(ctx context.Context, key Key) error {
	if key.ID == "" {
		return fmt.Errorf("key id cannot be empty")
	}

	var lastUsed sql.NullInt64
	if key.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: key.LastUsedAt.UnixNano(), Valid: true}
	}

	_, err := s.putStmt.ExecContext(ctx,
		key.ID, key.OwnerID, key.PlanID, key.Name, key.Hash, string(key.Status),
		key.CreatedAt.UnixNano(), lastUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

// SetStatus changes the status of an existing key.
func (s *SQLite) SetStatus(ctx context.Context, id string, status Status) error {
	return s.execOne(ctx, s.statusStmt, "update key status", string(status), id)
}

// Delete removes a key record.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	return s.execOne(ctx, s.deleteStmt, "delete key", id)
}

// Touch records that the key was used at the given time.
func (s *SQLite) Touch(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, s.touchStmt, "touch key", at.UnixNano(), id)
}

func (s *SQLite) execOne(ctx context.Context, stmt *sql.Stmt, op string, args ...any) error {
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns every key belonging to owner, newest first.
func (s *SQLite) ListByOwner(ctx context.Context, ownerID string) ([]Key, error) {
	rows, err := s.listOwnerStmt.QueryContext(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return out, nil
}

// Close closes prepared statements and the database.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.getStmt, s.putStmt, s.statusStmt, s.deleteStmt, s.listOwnerStmt, s.touchStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
