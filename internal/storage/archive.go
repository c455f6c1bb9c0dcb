package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/series"
)

// SQLArchive implements SeriesArchive on database/sql. DuckDB snapshots go through the
// appender API; SQLite snapshots use a prepared insert inside one transaction.
type SQLArchive struct {
	db      *sql.DB
	driver  string
	dsn     string
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewSQLArchive opens an archive for one of the supported drivers. The DSN can be
// ":memory:" for an in-memory database or a file path.
func NewSQLArchive(driver, dsn string, logger *slog.Logger) (*SQLArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch driver {
	case config.ArchiveDriverDuckDB, config.ArchiveDriverSQLite:
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported archive driver %q", driver))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open %s database: %w", driver, err))
	}

	// single writer; also keeps every statement on the same in-memory database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &SQLArchive{
		db:      db,
		driver:  driver,
		dsn:     dsn,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "archive", "driver", driver),
	}, nil
}

// OpenArchive builds the archive selected by the storage configuration. It returns
// nil when archiving is disabled.
func OpenArchive(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*SQLArchive, error) {
	if cfg.ArchiveDriver == config.ArchiveDriverNone {
		return nil, nil
	}
	a, err := NewSQLArchive(cfg.ArchiveDriver, cfg.ArchiveDSN, logger)
	if err != nil {
		return nil, err
	}
	a.timeout = config.DurationOr(cfg.QueryTimeout, a.timeout)
	if err := a.Initialize(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Driver returns the database/sql driver name.
func (a *SQLArchive) Driver() string {
	return a.driver
}

// Initialize applies pending migrations.
func (a *SQLArchive) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("initializing archive", "dsn", a.dsn)
	if err := NewMigrationManager(a.db, a.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

// Snapshot replaces the archived ticks of symbol with the series contents and records
// the snapshot.
func (a *SQLArchive) Snapshot(ctx context.Context, symbol string, s *series.Series) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()

	ticks := make([]models.Tick, 0, s.Len())
	for t := range s.All() {
		ticks = append(ticks, t)
	}

	var err error
	if a.driver == config.ArchiveDriverDuckDB {
		err = a.snapshotAppender(ctx, symbol, ticks)
	} else {
		err = a.snapshotTx(ctx, symbol, ticks)
	}
	if err != nil {
		return 0, err
	}

	var first, last int64
	if len(ticks) > 0 {
		first, last = ticks[0].Time.Unix(), ticks[len(ticks)-1].Time.Unix()
	}
	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO snapshots (symbol, taken_at, ticks, first_ts, last_ts) VALUES (?, ?, ?, ?, ?)`,
		symbol, time.Now().Unix(), len(ticks), first, last); err != nil {
		return 0, NewInsertError("snapshots", err)
	}

	a.logger.Debug("snapshot stored",
		"symbol", symbol,
		"ticks", len(ticks),
		"duration", time.Since(start))
	return len(ticks), nil
}

func (a *SQLArchive) snapshotTx(ctx context.Context, symbol string, ticks []models.Tick) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ticks WHERE symbol = ?`, symbol); err != nil {
		return NewDeleteError("ticks", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ticks (symbol, ts, price, interpolated) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, symbol, t.Time.Unix(), t.Price.String(), t.Interpolated); err != nil {
			return NewInsertError("ticks", fmt.Errorf("failed to insert %s: %w", t, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to commit snapshot: %w", err))
	}
	return nil
}

// Load reads the archived ticks of symbol back into a series.
func (a *SQLArchive) Load(ctx context.Context, symbol string, width time.Duration) (*series.Series, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	const query = `SELECT ts, price, interpolated FROM ticks WHERE symbol = ? ORDER BY ts`
	rows, err := a.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, NewQueryError("ticks", query, err)
	}
	defer rows.Close()

	s := series.New(width)
	for rows.Next() {
		var (
			ts           int64
			price        string
			interpolated bool
		)
		if err := rows.Scan(&ts, &price, &interpolated); err != nil {
			return nil, NewQueryError("ticks", query, fmt.Errorf("failed to scan row: %w", err))
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, NewQueryError("ticks", query, fmt.Errorf("invalid archived price %q: %w", price, err))
		}
		if _, err := s.Push(models.Tick{Time: time.Unix(ts, 0).UTC(), Price: p, Interpolated: interpolated}); err != nil {
			return nil, NewQueryError("ticks", query, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("ticks", query, err)
	}

	if s.Len() == 0 {
		return nil, apperrors.NewNotFound("archive", symbol, nil)
	}
	return s, nil
}

// GetStats summarizes the archive contents.
func (a *SQLArchive) GetStats(ctx context.Context) (*ArchiveStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	const query = `
		SELECT
			COUNT(*),
			COUNT(DISTINCT symbol),
			CAST(COALESCE(SUM(CASE WHEN interpolated THEN 1 ELSE 0 END), 0) AS BIGINT),
			COALESCE(MIN(ts), 0),
			COALESCE(MAX(ts), 0)
		FROM ticks`

	var (
		stats          ArchiveStats
		earliest, last int64
		lastSnapshot   int64
	)
	if err := a.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalTicks,
		&stats.TotalSymbols,
		&stats.Interpolated,
		&earliest,
		&last,
	); err != nil {
		return nil, NewQueryError("ticks", query, err)
	}
	if err := a.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(taken_at), 0) FROM snapshots`).Scan(&lastSnapshot); err != nil {
		return nil, NewQueryError("snapshots", "", err)
	}

	if stats.TotalTicks > 0 {
		stats.EarliestData = time.Unix(earliest, 0).UTC()
		stats.LatestData = time.Unix(last, 0).UTC()
	}
	if lastSnapshot > 0 {
		stats.LastSnapshot = time.Unix(lastSnapshot, 0).UTC()
	}
	return &stats, nil
}

// HealthCheck pings the database.
func (a *SQLArchive) HealthCheck(ctx context.Context) error {
	if a.db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("archive is closed"))
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	if err := a.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", err)
	}
	return nil
}

// Close releases the database.
func (a *SQLArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}
