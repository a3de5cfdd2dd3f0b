package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kassa/internal/core"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteRepository is the ledger store. Every mutating method is a single
// immediate transaction; uniqueness and ownership are enforced by the schema
// and mapped onto the core error taxonomy.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteRepository.
type Option func(*SQLiteRepository)

// WithClock overrides the wall clock used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(r *SQLiteRepository) {
		r.now = now
	}
}

func NewSQLiteRepository(dbPath string, opts ...Option) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	repo := &SQLiteRepository{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(repo)
	}

	return repo, nil
}

// dsn enables foreign keys (for cascades), WAL for concurrent readers, a busy
// timeout for competing writers and BEGIN IMMEDIATE for every transaction.
func dsn(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// GetOrCreateUser returns the user with externalID, inserting it on first contact.
// Concurrent first contacts resolve to one row: the insert yields on conflict
// and the row is re-read. A display name fills in a previously empty one.
func (r *SQLiteRepository) GetOrCreateUser(ctx context.Context, externalID, displayName string) (core.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return core.User{}, fmt.Errorf("get or create user: %w", core.ErrInvalidName)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (external_id, display_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET display_name = excluded.display_name
		WHERE users.display_name = '' AND excluded.display_name <> ''`,
		externalID, strings.TrimSpace(displayName), r.timestamp())
	if err != nil {
		return core.User{}, fmt.Errorf("insert user: %w", err)
	}

	user, err := r.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return core.User{}, fmt.Errorf("reread user: %w", err)
	}
	return user, nil
}

// GetUserByExternalID looks a user up by chat-platform identity.
func (r *SQLiteRepository) GetUserByExternalID(ctx context.Context, externalID string) (core.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, display_name, created_at FROM users WHERE external_id = ?`,
		strings.TrimSpace(externalID))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, fmt.Errorf("user %q: %w", externalID, core.ErrNotFound)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user by external id: %w", err)
	}
	return user, nil
}

// GetUser looks a user up by internal id.
func (r *SQLiteRepository) GetUser(ctx context.Context, id core.UserID) (core.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, display_name, created_at FROM users WHERE id = ?`, int64(id))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListCategories returns the seed catalog in insertion order.
func (r *SQLiteRepository) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var categories []core.Category
	for rows.Next() {
		var c core.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// CategoryByName resolves a catalog entry, ignoring case.
func (r *SQLiteRepository) CategoryByName(ctx context.Context, name string) (core.Category, error) {
	categories, err := r.ListCategories(ctx)
	if err != nil {
		return core.Category{}, err
	}
	want := core.FoldName(name)
	for _, c := range categories {
		if core.FoldName(c.Name) == want {
			return c, nil
		}
	}
	return core.Category{}, fmt.Errorf("category %q: %w", name, core.ErrNotFound)
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.WarnContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) timestamp() string {
	return formatTime(r.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (core.User, error) {
	var (
		u         core.User
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &createdAt); err != nil {
		return core.User{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return core.User{}, err
	}
	u.CreatedAt = t
	return u, nil
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(err.Error(), "UNIQUE")
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(err.Error(), "FOREIGN KEY")
	}
	return false
}
