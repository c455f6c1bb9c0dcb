package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/collector"
	"github.com/johnayoung/go-ohlcv-history/internal/contracts"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/exchange"
	"github.com/johnayoung/go-ohlcv-history/internal/history"
	"github.com/johnayoung/go-ohlcv-history/internal/logger"
)

// Strategies accepted by trade. Strategy logic lives outside this program; a
// strategy here selects where the derived prices go.
const (
	StrategyWatch   = "watch"   // log or print every price
	StrategyPublish = "publish" // watch and publish to redis
)

func strategyNames() string {
	return strings.Join([]string{StrategyWatch, StrategyPublish}, ", ")
}

// TradeArgs are the positional arguments of trade.
type TradeArgs struct {
	File     string
	Strategy string
	Symbol   string
	UI       bool
}

// parseTradeArgs parses <file> <strategy> <symbol> [ui]. ui defaults to defaultUI.
func parseTradeArgs(args []string, defaultUI bool) (*TradeArgs, error) {
	if len(args) < 3 || len(args) > 4 {
		return nil, newUsageError("trade", "trade takes <file> <strategy> <symbol> [ui]")
	}
	ta := &TradeArgs{
		File:     args[0],
		Strategy: strings.ToLower(args[1]),
		Symbol:   strings.ToUpper(args[2]),
		UI:       defaultUI,
	}
	if !slices.Contains([]string{StrategyWatch, StrategyPublish}, ta.Strategy) {
		return nil, newUsageError("trade", "unknown strategy %q, use one of: %s", args[1], strategyNames())
	}
	if len(args) == 4 {
		ui, err := strconv.ParseBool(args[3])
		if err != nil {
			return nil, newUsageError("trade", "invalid ui flag %q, use 0 or 1", args[3])
		}
		ta.UI = ui
	}
	return ta, nil
}

// handleTrade prepares the history and runs the poll loop until interrupted
func (cli *CLI) handleTrade(ctx context.Context, args []string) error {
	ta, err := parseTradeArgs(args, cli.config.Poller.UI)
	if err != nil {
		return err
	}

	client := exchange.NewCoinbaseAdapter(cli.config.Exchange, cli.logger)
	log, ctx := logger.NewTrace(logger.WithSymbol(ctx, ta.Symbol), cli.logs, "trade")
	log.InfoContext(ctx, "starting trade", "file", ta.File, "strategy", ta.Strategy, "ui", ta.UI)

	if err := client.HealthCheck(ctx); err != nil {
		log.ErrorWithContext(ctx, "can not reach the market", err)
		return err
	}

	market, err := cli.newMarket(ctx, ta.File, ta.Symbol, client)
	if err != nil {
		return err
	}
	if _, err := market.Prepare(ctx); err != nil {
		if errors.Is(err, apperrors.ErrIntegrity) {
			return fmt.Errorf("integrity is broken, run %s refresh over %s: %w", AppName, ta.File, err)
		}
		return err
	}

	consumer, err := cli.buildConsumer(ctx, ta)
	if err != nil {
		return err
	}

	poller := collector.NewPoller(collector.PollerConfigFrom(cli.config), market, client, consumer, cli.logger).
		WithMetrics(cli.metrics)
	if ta.UI {
		fmt.Printf("Following %s, press Ctrl+C to stop gracefully\n", ta.Symbol)
	}
	if err := poller.Run(ctx); err != nil {
		return err
	}

	stats := poller.GetStats()
	log.InfoContext(ctx, "trade stopped",
		"iterations", stats.Iterations,
		"processed", stats.Processed,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"checkpoints", stats.Checkpoints,
		"uptime_seconds", stats.UptimeSeconds)
	return nil
}

// buildConsumer assembles the consumers selected by the strategy and ui flag
func (cli *CLI) buildConsumer(ctx context.Context, ta *TradeArgs) (collector.Consumer, error) {
	var consumers collector.MultiConsumer
	if ta.UI {
		consumers = append(consumers, collector.NewPrintConsumer(os.Stdout, ta.Symbol))
	} else {
		consumers = append(consumers, collector.NewLogConsumer(cli.logger))
	}

	if ta.Strategy == StrategyPublish || cli.config.Publisher.Enabled {
		rdb, err := collector.NewRedisClient(ctx, cli.config.Publisher, cli.logger)
		if err != nil {
			return nil, apperrors.NewSourceUnavailable("redis", "connect", err)
		}
		publisher := collector.NewRedisPublisher(rdb, cli.config.Publisher, ta.Symbol, cli.logger).
			WithMetrics(cli.metrics)
		cli.onClose(publisher.Close)
		consumers = append(consumers, publisher)
	}
	return consumers, nil
}

// handleRefresh runs the repair sequence and saves the file
func (cli *CLI) handleRefresh(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return newUsageError("refresh", "refresh takes <file> <symbol>")
	}
	file, symbol := args[0], strings.ToUpper(args[1])

	client := exchange.NewCoinbaseAdapter(cli.config.Exchange, cli.logger)
	log, ctx := logger.NewTrace(logger.WithSymbol(ctx, symbol), cli.logs, "refresh")

	market, err := cli.newMarket(ctx, file, symbol, client)
	if err != nil {
		return err
	}

	result, prepErr := market.Prepare(ctx)
	if result == nil {
		return prepErr
	}

	// repaired slots are worth keeping even when integrity still fails
	if err := market.Checkpoint(ctx); err != nil {
		return errors.Join(prepErr, err)
	}

	fmt.Printf("%s: %d loaded, %d backfilled, %d recent and %d older slots filled, %d total in %v\n",
		file,
		result.Loaded,
		result.Backfilled,
		result.Recent.SlotsFilled(),
		result.Older.SlotsFilled(),
		market.Series().Len(),
		result.Duration.Round(time.Millisecond))
	if prepErr != nil {
		fmt.Printf("integrity: %s\n", result.Report.Summary())
		return prepErr
	}
	log.InfoContext(ctx, "refresh completed", "file", file)
	return nil
}

// handleCheck verifies a file without touching the network
func (cli *CLI) handleCheck(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return newUsageError("check", "check takes <file>")
	}
	file := args[0]

	market, err := cli.newMarket(ctx, "", "", nil)
	if err != nil {
		return err
	}
	if err := market.ReadFromFile(file); err != nil {
		return err
	}

	report := market.CheckIntegrity()
	fmt.Printf("%s: %d ticks, %d buckets checked\n", file, report.Ticks, report.Buckets)
	for _, gap := range report.Gaps {
		fmt.Printf("  gap %s\n", gap)
	}
	if !report.OK() {
		fmt.Printf("integrity: %s\n", report.Summary())
		return &apperrors.IntegrityViolation{Violations: len(report.Violations), Summary: report.Summary()}
	}
	fmt.Println("integrity: ok")
	return nil
}

// newMarket builds a market for symbol backed by file. client may be nil for offline
// commands.
func (cli *CLI) newMarket(ctx context.Context, file, symbol string, client contracts.BackfillClient) (*history.Market, error) {
	opts, err := history.OptionsFromConfig(cli.config.History, symbol, file)
	if err != nil {
		return nil, err
	}
	market, err := history.New(opts, client, cli.retrier, cli.logger)
	if err != nil {
		return nil, err
	}
	market.WithMetrics(cli.metrics)

	if client != nil {
		archive, err := cli.openArchive(ctx)
		if err != nil {
			return nil, err
		}
		if archive != nil {
			market.WithArchive(archive)
		}
	}
	return market, nil
}
