package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// snapshotAppender writes a snapshot through the DuckDB Appender API.
func (a *SQLArchive) snapshotAppender(ctx context.Context, symbol string, ticks []models.Tick) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `DELETE FROM ticks WHERE symbol = ?`, symbol); err != nil {
		return NewDeleteError("ticks", err)
	}
	if len(ticks) == 0 {
		return nil
	}

	// Get the underlying driver connection
	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to get DuckDB connection: %w", err))
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "ticks")
	if err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to create appender: %w", err))
	}
	defer appender.Close()

	start := time.Now()
	for _, t := range ticks {
		if err := appender.AppendRow(symbol, t.Time.Unix(), t.Price.String(), t.Interpolated); err != nil {
			return NewInsertError("ticks", fmt.Errorf("failed to append %s: %w", t, err))
		}
	}

	// Flush the appender to commit all inserts
	if err := appender.Flush(); err != nil {
		return NewInsertError("ticks", fmt.Errorf("failed to flush appender: %w", err))
	}

	a.logger.Debug("appended ticks",
		"count", len(ticks),
		"duration", time.Since(start),
		"rate_per_sec", float64(len(ticks))/time.Since(start).Seconds())
	return nil
}
