// Package storage persists price series. The Codec reads and writes the series file
// used at startup and on checkpoints; the Archive keeps SQL snapshots of a series in
// DuckDB or SQLite for offline analysis.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/series"
)

// SeriesArchive stores full snapshots of a series keyed by symbol.
type SeriesArchive interface {
	// Snapshot replaces the archived ticks of symbol with the contents of s and
	// returns the number of rows written.
	Snapshot(ctx context.Context, symbol string, s *series.Series) (int, error)

	// Load rebuilds the archived series of symbol. A symbol without rows is a
	// NotFoundError.
	Load(ctx context.Context, symbol string, width time.Duration) (*series.Series, error)

	ArchiveManager
}

// ArchiveManager handles the lifecycle of an archive backend.
type ArchiveManager interface {
	// Initialize applies pending schema migrations. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// GetStats returns row counts and time bounds of the archive.
	GetStats(ctx context.Context) (*ArchiveStats, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// ArchiveStats describes the contents of an archive.
type ArchiveStats struct {
	// TotalTicks is the number of archived ticks across all symbols
	TotalTicks int64

	// TotalSymbols is the number of symbols with at least one tick
	TotalSymbols int

	// Interpolated is the number of archived ticks synthesized by gap filling
	Interpolated int64

	// EarliestData and LatestData bound the archived slots
	EarliestData time.Time
	LatestData   time.Time

	// LastSnapshot is when the most recent snapshot was taken
	LastSnapshot time.Time
}

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "snapshot", "load")
	Operation string

	// Table is the database table or file involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// NewDeleteError creates a StorageError specifically for delete operations.
func NewDeleteError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "delete",
		Table:     table,
		Err:       err,
	}
}
