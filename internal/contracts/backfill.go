// Backfill source contracts for the price history store

package contracts

import (
	"context"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// TickerFetcher returns the latest observed tick for a symbol. A nil tick with a nil
// error means the source has nothing to report yet.
type TickerFetcher interface {
	GetTicker(ctx context.Context, symbol string) (*models.Tick, error)
}

// HistoryFetcher returns the ticks observed in [from, to), ascending by time.
type HistoryFetcher interface {
	GetHistorical(ctx context.Context, symbol string, from, to time.Time) ([]models.Tick, error)
}

// BackfillClient combines live and historical access to a price source
type BackfillClient interface {
	TickerFetcher
	HistoryFetcher
}
