package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	sealer *Sealer

	// writeMu serializes audit append+trim so the cap holds under concurrency
	writeMu sync.Mutex
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// AuditRetention is the number of newest audit entries to keep.
	AuditRetention int

	// Sealer encrypts API keys at rest. Nil stores them as given.
	Sealer *Sealer
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = DefaultAuditRetention
	}
	if isMemory(cfg.Path) {
		// Every connection to :memory: is a separate database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, sealer: cfg.Sealer}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func dsn(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if isMemory(path) {
		return "file::memory:?" + params
	}
	return "file:" + path + "?" + params + "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", dsn(s.cfg.Path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// ListTargets returns every registered target ordered by name.
func (s *SQLiteStore) ListTargets(ctx context.Context) ([]engine.Target, error) {
	query := `
		SELECT id, name, host, api_key, vdom, enabled, created_at, updated_at
		FROM targets
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	targets := []engine.Target{}
	for rows.Next() {
		t, err := s.scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return targets, nil
}

// GetTarget retrieves a target by ID
func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*engine.Target, error) {
	query := `
		SELECT id, name, host, api_key, vdom, enabled, created_at, updated_at
		FROM targets
		WHERE id = ?
	`

	t, err := s.scanTarget(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddTarget registers a new target, assigning an ID if none is set.
func (s *SQLiteStore) AddTarget(ctx context.Context, target *engine.Target) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now

	apiKey, err := s.sealer.Seal(target.APIKey)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO targets (id, name, host, api_key, vdom, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		target.ID,
		target.Name,
		target.Host,
		apiKey,
		target.VDOM,
		target.Enabled,
		target.CreatedAt,
		target.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrTargetExists, target.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to add target: %w", err)
	}

	return nil
}

// UpdateTarget applies patch to the target and returns the updated record.
func (s *SQLiteStore) UpdateTarget(ctx context.Context, id string, patch TargetPatch) (*engine.Target, error) {
	target, err := s.GetTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(target)
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	target.UpdatedAt = time.Now().UTC()

	apiKey, err := s.sealer.Seal(target.APIKey)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE targets
		SET name = ?, host = ?, api_key = ?, vdom = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`

	_, err = s.db.ExecContext(ctx, query,
		target.Name,
		target.Host,
		apiKey,
		target.VDOM,
		target.Enabled,
		target.UpdatedAt,
		id,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrTargetExists, target.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update target: %w", err)
	}

	return target, nil
}

// DeleteTarget removes a target by ID
func (s *SQLiteStore) DeleteTarget(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanTarget(row rowScanner) (*engine.Target, error) {
	t := &engine.Target{}
	var apiKey string
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Host,
		&apiKey,
		&t.VDOM,
		&t.Enabled,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan target: %w", err)
	}

	t.APIKey, err = s.sealer.Open(apiKey)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", t.Name, err)
	}
	return t, nil
}

// AppendAuditLog inserts entry and evicts the oldest entries beyond the
// retention cap in the same transaction.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, entry *AuditLogEntry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate audit id: %w", err)
		}
		entry.ID = id.String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Targets == nil {
		entry.Targets = []string{}
	}

	targets, err := json.Marshal(entry.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode audit targets: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO audit_logs (id, timestamp, action, resource_kind, resource_name, targets, status, details, user)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		entry.ID,
		entry.Timestamp,
		entry.Action,
		entry.ResourceKind,
		entry.ResourceName,
		string(targets),
		entry.Status,
		entry.Details,
		entry.User,
	); err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}

	trim := `
		DELETE FROM audit_logs
		WHERE seq <= (
			SELECT seq FROM audit_logs ORDER BY seq DESC LIMIT 1 OFFSET ?
		)
	`
	if _, err := tx.ExecContext(ctx, trim, s.cfg.AuditRetention); err != nil {
		return fmt.Errorf("failed to trim audit logs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns up to limit entries, most recent first. A limit of
// zero or less returns every retained entry.
func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, timestamp, action, resource_kind, resource_name, targets, status, details, user
		FROM audit_logs
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	entries := []AuditLogEntry{}
	for rows.Next() {
		var (
			entry   AuditLogEntry
			targets string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.Action,
			&entry.ResourceKind,
			&entry.ResourceName,
			&targets,
			&entry.Status,
			&entry.Details,
			&entry.User,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &entry.Targets); err != nil {
			return nil, fmt.Errorf("failed to decode audit targets: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return entries, nil
}

// ClearAuditLogs deletes every audit entry and returns how many were removed.
func (s *SQLiteStore) ClearAuditLogs(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear audit logs: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
