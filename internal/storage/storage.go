// Package storage implements the secure store backing cloudpair's peer
// bookkeeping: client records, per-client access logs, and small persistent
// settings such as the PIN and the zero-knowledge master key. The store is
// an embedded SQLite database in WAL mode with goose-managed schema.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// accessLogCap is the number of access events kept per client; older rows
// are evicted on insert.
const accessLogCap = 100

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Setting keys used by the engine and CLI.
const (
	SettingPIN       = "pin"
	SettingMasterKey = "master_key"
)

// Client is one peer record.
type Client struct {
	ID              uint64
	PublicKey       []byte
	AesKey          []byte
	Status          string
	LastInteraction int64 // Unix nanoseconds
}

// Store is the SQLite-backed secure store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	clientStmts  clientStatements
	accessStmts  accessStatements
	settingStmts settingStatements
}

// Statement groups, by domain.
type clientStatements struct {
	upsert, get, list, touch *sql.Stmt
}

type accessStatements struct {
	insert, trim, list *sql.Stmt
}

type settingStatements struct {
	get, set *sql.Stmt
}

// Open opens (creating if needed) the store at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("storage: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// prepare compiles the statement groups.
func (s *Store) prepare(ctx context.Context) error {
	var err error

	prep := func(q string) *sql.Stmt {
		if err != nil {
			return nil
		}

		var stmt *sql.Stmt
		stmt, err = s.db.PrepareContext(ctx, q)

		return stmt
	}

	s.clientStmts.upsert = prep(`
		INSERT INTO clients (id, public_key, aes_key, status, last_interaction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_key = excluded.public_key,
			aes_key = excluded.aes_key,
			status = excluded.status,
			last_interaction = excluded.last_interaction,
			updated_at = excluded.updated_at`)
	s.clientStmts.get = prep(`
		SELECT id, public_key, aes_key, status, last_interaction FROM clients WHERE id = ?`)
	s.clientStmts.list = prep(`
		SELECT id, public_key, aes_key, status, last_interaction FROM clients ORDER BY id`)
	s.clientStmts.touch = prep(`
		UPDATE clients SET status = ?, last_interaction = ?, updated_at = ? WHERE id = ?`)

	s.accessStmts.insert = prep(`INSERT INTO access_log (client_id, event, at) VALUES (?, ?, ?)`)
	s.accessStmts.trim = prep(`
		DELETE FROM access_log WHERE client_id = ? AND id NOT IN (
			SELECT id FROM access_log WHERE client_id = ? ORDER BY at DESC, id DESC LIMIT ?)`)
	s.accessStmts.list = prep(`
		SELECT event, at FROM access_log WHERE client_id = ? ORDER BY at DESC, id DESC LIMIT ?`)

	s.settingStmts.get = prep(`SELECT value FROM settings WHERE key = ?`)
	s.settingStmts.set = prep(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)

	if err != nil {
		return fmt.Errorf("storage: preparing statements: %w", err)
	}

	return nil
}

// idKey renders a client id for the TEXT primary key column. SQLite INTEGER
// is signed 64-bit, so ids above 1<<63 are stored as decimal text instead.
func idKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// UpsertClient inserts or replaces a client record.
func (s *Store) UpsertClient(ctx context.Context, c *Client) error {
	now := time.Now().UnixNano()

	_, err := s.clientStmts.upsert.ExecContext(ctx,
		idKey(c.ID), c.PublicKey, c.AesKey, c.Status, c.LastInteraction, now, now)
	if err != nil {
		return fmt.Errorf("storage: upserting client %d: %w", c.ID, err)
	}

	return nil
}

// GetClient fetches one client record, or ErrNotFound.
func (s *Store) GetClient(ctx context.Context, id uint64) (*Client, error) {
	row := s.clientStmts.get.QueryRowContext(ctx, idKey(id))

	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: getting client %d: %w", id, err)
	}

	return c, nil
}

// ListClients returns every client record.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.clientStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: listing clients: %w", err)
	}
	defer rows.Close()

	var out []*Client

	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning client: %w", err)
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: listing clients: %w", err)
	}

	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanClient reads one client row.
func scanClient(r rowScanner) (*Client, error) {
	var (
		c     Client
		idStr string
	)

	if err := r.Scan(&idStr, &c.PublicKey, &c.AesKey, &c.Status, &c.LastInteraction); err != nil {
		return nil, err
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt client id %q: %w", idStr, err)
	}

	c.ID = id

	return &c, nil
}

// TouchClient updates a client's status and last-interaction time.
func (s *Store) TouchClient(ctx context.Context, id uint64, status string) error {
	now := time.Now().UnixNano()

	res, err := s.clientStmts.touch.ExecContext(ctx, status, now, now, idKey(id))
	if err != nil {
		return fmt.Errorf("storage: touching client %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// AccessEvent is one row of a client's access log.
type AccessEvent struct {
	Event string
	At    int64 // Unix nanoseconds
}

// AppendAccess records an access event and evicts rows beyond the cap.
func (s *Store) AppendAccess(ctx context.Context, clientID uint64, event string) error {
	key := idKey(clientID)

	if _, err := s.accessStmts.insert.ExecContext(ctx, key, event, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("storage: appending access for %d: %w", clientID, err)
	}

	if _, err := s.accessStmts.trim.ExecContext(ctx, key, key, accessLogCap); err != nil {
		return fmt.Errorf("storage: trimming access log for %d: %w", clientID, err)
	}

	return nil
}

// RecentAccess returns up to limit newest access events for a client.
func (s *Store) RecentAccess(ctx context.Context, clientID uint64, limit int) ([]AccessEvent, error) {
	rows, err := s.accessStmts.list.QueryContext(ctx, idKey(clientID), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: listing access for %d: %w", clientID, err)
	}
	defer rows.Close()

	var out []AccessEvent

	for rows.Next() {
		var ev AccessEvent
		if err := rows.Scan(&ev.Event, &ev.At); err != nil {
			return nil, fmt.Errorf("storage: scanning access event: %w", err)
		}

		out = append(out, ev)
	}

	return out, rows.Err()
}

// GetSetting returns a settings value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string

	err := s.settingStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("storage: getting setting %q: %w", key, err)
	}

	return value, nil
}

// SetSetting stores a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if _, err := s.settingStmts.set.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("storage: setting %q: %w", key, err)
	}

	return nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
