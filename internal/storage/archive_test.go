package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/series"
)

// createTestArchive opens an in-memory archive for the given driver
func createTestArchive(t *testing.T, driver string) *SQLArchive {
	t.Helper()
	a, err := OpenArchive(context.Background(), config.StorageConfig{
		ArchiveDriver: driver,
		ArchiveDSN:    ":memory:",
		QueryTimeout:  "5s",
	}, nil)
	require.NoError(t, err, "failed to create test archive")
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSQLArchive_SnapshotAndLoad(t *testing.T) {
	for _, driver := range []string{config.ArchiveDriverSQLite, config.ArchiveDriverDuckDB} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			a := createTestArchive(t, driver)
			want := createTestSeries(t)

			n, err := a.Snapshot(ctx, "BTC-USD", want)
			require.NoError(t, err)
			assert.Equal(t, want.Len(), n)

			// a second snapshot replaces rather than duplicates
			n, err = a.Snapshot(ctx, "BTC-USD", want)
			require.NoError(t, err)
			assert.Equal(t, want.Len(), n)

			got, err := a.Load(ctx, "BTC-USD", time.Minute)
			require.NoError(t, err)
			assertSameTicks(t, want, got)

			stats, err := a.GetStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(want.Len()), stats.TotalTicks)
			assert.Equal(t, 1, stats.TotalSymbols)
			assert.Equal(t, int64(1), stats.Interpolated)
			assert.Equal(t, base, stats.EarliestData)
			assert.False(t, stats.LastSnapshot.IsZero())

			assert.NoError(t, a.HealthCheck(ctx))
		})
	}
}

func TestSQLArchive_LoadUnknownSymbol(t *testing.T) {
	a := createTestArchive(t, config.ArchiveDriverSQLite)
	_, err := a.Load(context.Background(), "ETH-USD", time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSQLArchive_EmptySnapshot(t *testing.T) {
	ctx := context.Background()
	a := createTestArchive(t, config.ArchiveDriverSQLite)

	_, err := a.Snapshot(ctx, "BTC-USD", createTestSeries(t))
	require.NoError(t, err)
	n, err := a.Snapshot(ctx, "BTC-USD", series.New(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := a.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTicks)
	assert.True(t, stats.EarliestData.IsZero())
}

func TestOpenArchive_Disabled(t *testing.T) {
	a, err := OpenArchive(context.Background(), config.StorageConfig{ArchiveDriver: config.ArchiveDriverNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = NewSQLArchive("postgres", "", nil)
	assert.Error(t, err)
}

func TestMigrationManager(t *testing.T) {
	ctx := context.Background()
	a := createTestArchive(t, config.ArchiveDriverSQLite)
	m := NewMigrationManager(a.db, nil)

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentVersion)
	assert.Equal(t, 2, status.LatestVersion)
	assert.Zero(t, status.PendingMigrations)
	require.Len(t, status.AppliedMigrations, 2)

	// idempotent
	require.NoError(t, a.Initialize(ctx))

	require.NoError(t, m.Rollback(ctx, 1))
	status, err = m.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.CurrentVersion)
	assert.Equal(t, 1, status.PendingMigrations)

	require.NoError(t, m.MigrateToLatest(ctx))
	_, err = a.Snapshot(ctx, "BTC-USD", createTestSeries(t))
	assert.NoError(t, err)
}

func TestSQLArchive_Closed(t *testing.T) {
	a, err := NewSQLArchive(config.ArchiveDriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Error(t, a.HealthCheck(context.Background()))
	assert.NoError(t, a.Close())
}
