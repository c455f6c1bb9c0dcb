package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version       int
	Description   string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// MigrationStatus reports the schema version of an archive.
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	AppliedMigrations []AppliedMigration
	PendingMigrations int
}

// MigrationManager handles archive schema migrations. The SQL is kept to the subset
// shared by DuckDB and SQLite.
type MigrationManager struct {
	db      *sql.DB
	logger  *slog.Logger
	migrate []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:      db,
		logger:  logger,
		migrate: getAllMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at BIGINT NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("no migrations to run", "current_version", currentVersion)
		return nil
	}

	var migrationsToRun []Migration
	for _, migration := range m.migrate {
		if migration.Version > currentVersion && migration.Version <= targetVersion {
			migrationsToRun = append(migrationsToRun, migration)
		}
	}

	for _, migration := range migrationsToRun {
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("migrations completed",
		"from_version", currentVersion,
		"final_version", targetVersion,
		"migrations_run", len(migrationsToRun))
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrate) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrate[len(m.migrate)-1].Version)
}

// Rollback rolls back migrations to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if currentVersion <= targetVersion {
		return nil
	}

	for i := len(m.migrate) - 1; i >= 0; i-- {
		migration := m.migrate[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("rollback completed", "final_version", targetVersion)
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	status := &MigrationStatus{
		CurrentVersion:    currentVersion,
		AppliedMigrations: applied,
	}
	if len(m.migrate) > 0 {
		status.LatestVersion = m.migrate[len(m.migrate)-1].Version
	}
	for _, migration := range m.migrate {
		if migration.Version > currentVersion {
			status.PendingMigrations++
		}
	}
	return status, nil
}

// runMigration executes a single migration inside a transaction and records it
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	m.logger.Info("applying migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.Unix(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// rollbackMigration executes a single migration rollback
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	m.logger.Info("rolling back migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	return nil
}

// getCurrentVersion returns the highest applied migration version
func (m *MigrationManager) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table might not exist yet
		if strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "does not exist") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// getAppliedMigrations returns list of applied migrations with metadata
func (m *MigrationManager) getAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var (
			migration     AppliedMigration
			appliedAt     int64
			executionTime int64
		)
		if err := rows.Scan(&migration.Version, &migration.Description, &appliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		migration.AppliedAt = time.Unix(appliedAt, 0).UTC()
		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}
	return migrations, nil
}

// getAllMigrations returns the complete list of available migrations
func getAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Initial schema - ticks table",
			Up:          migrationV1Up,
			Down:        migrationV1Down,
		},
		{
			Version:     2,
			Description: "Add snapshots log and tick time index",
			Up:          migrationV2Up,
			Down:        migrationV2Down,
		},
	}
}

func execAll(ctx context.Context, tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Migration V1: archived ticks. Prices are kept as text so decimals round-trip exactly.
func migrationV1Up(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `
		CREATE TABLE IF NOT EXISTS ticks (
			symbol VARCHAR NOT NULL,
			ts BIGINT NOT NULL,
			price VARCHAR NOT NULL,
			interpolated BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (symbol, ts)
		)`)
}

func migrationV1Down(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, "DROP TABLE IF EXISTS ticks")
}

// Migration V2: snapshot bookkeeping
func migrationV2Up(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS snapshots (
			symbol VARCHAR NOT NULL,
			taken_at BIGINT NOT NULL,
			ticks BIGINT NOT NULL,
			first_ts BIGINT NOT NULL,
			last_ts BIGINT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks (ts)",
		"CREATE INDEX IF NOT EXISTS idx_snapshots_symbol ON snapshots (symbol, taken_at)",
	)
}

func migrationV2Down(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		"DROP INDEX IF EXISTS idx_snapshots_symbol",
		"DROP INDEX IF EXISTS idx_ticks_ts",
		"DROP TABLE IF EXISTS snapshots",
	)
}
