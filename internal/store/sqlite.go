// Package store provides the persistence backends of ppta: a SQLite database
// holding session turns and the document registry, and a Redis session store
// for deployments that run several server replicas. Session turns expire
// after a configurable TTL measured from the last write to the session.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/session"
)

// DefaultTTL is the session expiry used when none is configured.
const DefaultTTL = 24 * time.Hour

// SQLiteStore implements session.Store and ingestion.Registry on a local
// SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// ttl is the session lifetime after its last append; zero never expires.
	ttl time.Duration
	now func() time.Time
}

var (
	_ session.Store      = (*SQLiteStore)(nil)
	_ ingestion.Registry = (*SQLiteStore)(nil)
)

// Option customises a SQLiteStore.
type Option func(*SQLiteStore)

// WithTTL sets the session expiry. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *SQLiteStore) { s.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// DefaultDBPath returns the default database path, ~/.ppta/ppta.db, creating
// the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ppta")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "ppta.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    session      TEXT    NOT NULL,
    id           TEXT    NOT NULL,
    role         TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content      TEXT    NOT NULL,
    refs         TEXT    NOT NULL DEFAULT '[]',
    created_at   INTEGER NOT NULL, -- Unix nanoseconds
    expires_at   INTEGER NOT NULL  -- Unix nanoseconds, 0 = never
);
CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns (session, seq);
CREATE INDEX IF NOT EXISTS idx_turns_expires ON turns (expires_at);

CREATE TABLE IF NOT EXISTS documents (
    id           TEXT    PRIMARY KEY,
    filename     TEXT    NOT NULL,
    media_type   TEXT    NOT NULL,
    size         INTEGER NOT NULL,
    status       TEXT    NOT NULL CHECK(status IN ('processing','completed','failed')),
    chunk_count  INTEGER NOT NULL DEFAULT 0,
    error        TEXT    NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_created ON documents (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// ── session.Store ────────────────────────────────────────────────────────────

// Append implements session.Store. The whole session's expiry is pushed out
// to now+TTL and expired turns of every session are purged.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turns ...session.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := s.now()
	var expires int64
	if s.ttl > 0 {
		expires = now.Add(s.ttl).UnixNano()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE expires_at != 0 AND expires_at <= ?`, now.UnixNano()); err != nil {
		return fmt.Errorf("store: purge expired: %w", err)
	}

	const q = `INSERT INTO turns (session, id, role, content, refs, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("store: append: invalid role %q", t.Role)
		}
		refs, err := json.Marshal(t.References)
		if err != nil {
			return fmt.Errorf("store: append: encode references: %w", err)
		}
		created := t.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, q, sessionID, t.ID, string(t.Role), t.Content, string(refs), created.UnixNano(), expires); err != nil {
			return fmt.Errorf("store: append: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE turns SET expires_at = ? WHERE session = ?`, expires, sessionID); err != nil {
		return fmt.Errorf("store: refresh expiry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append commit: %w", err)
	}
	return nil
}

// Recent implements session.Store. Uses a subquery to select the tail then
// re-order oldest-first.
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, n int) ([]session.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	const q = `
SELECT id, role, content, refs, created_at FROM (
    SELECT seq, id, role, content, refs, created_at
    FROM   turns
    WHERE  session = ? AND (expires_at = 0 OR expires_at > ?)
    ORDER  BY seq DESC
    LIMIT  ?
) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, sessionID, s.now().UnixNano(), n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var turns []session.Turn
	for rows.Next() {
		var (
			t    session.Turn
			role string
			refs string
			ts   int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &refs, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		t.Role = session.Role(role)
		t.CreatedAt = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(refs), &t.References); err != nil {
			return nil, fmt.Errorf("store: recent decode references: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return turns, nil
}

// ── ingestion.Registry ───────────────────────────────────────────────────────

// Create implements ingestion.Registry.
func (s *SQLiteStore) Create(ctx context.Context, doc ingestion.Document) error {
	const q = `
INSERT INTO documents (id, filename, media_type, size, status, chunk_count, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	created := doc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	if _, err := s.db.ExecContext(ctx, q,
		doc.ID, doc.Filename, doc.MediaType, doc.Size, string(doc.Status), doc.ChunkCount, doc.Error,
		created.UnixNano(), updated.UnixNano(),
	); err != nil {
		return fmt.Errorf("store: create document: %w", err)
	}
	return nil
}

const documentColumns = `id, filename, media_type, size, status, chunk_count, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (ingestion.Document, error) {
	var (
		d                ingestion.Document
		status           string
		created, updated int64
	)
	if err := r.Scan(&d.ID, &d.Filename, &d.MediaType, &d.Size, &status, &d.ChunkCount, &d.Error, &created, &updated); err != nil {
		return ingestion.Document{}, err
	}
	d.Status = ingestion.Status(status)
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	return d, nil
}

// Get implements ingestion.Registry.
func (s *SQLiteStore) Get(ctx context.Context, id string) (ingestion.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ingestion.Document{}, fmt.Errorf("%w: %s", ingestion.ErrNotFound, id)
	}
	if err != nil {
		return ingestion.Document{}, fmt.Errorf("store: get document: %w", err)
	}
	return d, nil
}

// List implements ingestion.Registry.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]ingestion.Document, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var docs []ingestion.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return docs, nil
}

// transition updates a processing document. A miss is resolved into
// ErrNotFound or ErrNotProcessing.
func (s *SQLiteStore) transition(ctx context.Context, id, set string, args ...any) error {
	q := `UPDATE documents SET ` + set + `, updated_at = ? WHERE id = ? AND status = 'processing'`
	args = append(args, s.now().UnixNano(), id)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update document: %w", err)
	}
	if n == 1 {
		return nil
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ingestion.ErrNotProcessing, id, d.Status)
}

// MarkCompleted implements ingestion.Registry.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, chunks int) error {
	return s.transition(ctx, id, `status = 'completed', chunk_count = ?`, chunks)
}

// MarkFailed implements ingestion.Registry.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, `status = 'failed', chunk_count = 0, error = ?`, reason)
}

// FailStale implements ingestion.Registry.
func (s *SQLiteStore) FailStale(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE documents SET status = 'failed', chunk_count = 0, error = ?, updated_at = ?
WHERE status = 'processing' RETURNING id`,
		reason, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: fail stale documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: fail stale scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fail stale documents: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// Delete implements ingestion.Registry.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND status != 'processing'`, id)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ingestion.ErrDocumentBusy, id)
}
