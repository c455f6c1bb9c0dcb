// OHLCV price history CLI
// This application keeps a local multi-resolution price history for a trading
// symbol in sync with the exchange, repairs gaps, verifies integrity and then
// follows the live market, handing every derived price to a strategy.
//
// Usage:
//
//	ohlcv trade btcusd.dat watch BTC-USD 1
//	ohlcv refresh btcusd.dat BTC-USD
//	ohlcv check btcusd.dat
//
// For detailed help on any command, use: ohlcv help <command>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/logger"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "ohlcv"
	ConfigFile = "ohlcv.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// usageError marks malformed command lines.
type usageError struct {
	command string
	msg     string
}

func (e *usageError) Error() string {
	return e.msg
}

func newUsageError(command, format string, args ...any) error {
	return &usageError{command: command, msg: fmt.Sprintf(format, args...)}
}

// CLI holds the process-wide collaborators shared by every command.
type CLI struct {
	config   *config.AppConfig
	logs     *logger.LoggerManager
	logger   *slog.Logger
	metrics  *metrics.Metrics
	server   *metrics.Server
	retrier  *apperrors.Retrier
	archive  *storage.SQLArchive
	closeFns []func() error
}

// main is the entry point for the CLI application
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	case "trade", "refresh", "check":
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		os.Exit(ExitConfigError)
	}

	var err error
	switch command {
	case "trade":
		err = cli.handleTrade(ctx, args)
	case "refresh":
		err = cli.handleRefresh(ctx, args)
	case "check":
		err = cli.handleCheck(ctx, args)
	}

	cli.shutdown()

	if err != nil {
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			printCommandHelp(ue.command)
		} else {
			cli.logger.Error("command failed", "command", command, "error", err)
		}
		os.Exit(exitCode(err))
	}
}

// initialize loads configuration and sets up logging, metrics and retries
func (cli *CLI) initialize(ctx context.Context) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	configPath := os.Getenv(config.EnvPrefix + "CONFIG_PATH")
	if configPath == "" {
		configPath = ConfigFile
	}
	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	cli.onClose(logs.Close)

	cli.metrics = metrics.New(cfg.Metrics.Namespace)
	if cfg.Metrics.Enabled {
		cli.server = metrics.NewServer(cfg.Metrics, cli.metrics, logs.GetComponentLogger("metrics").Logger)
		cli.server.Start()
	}

	cli.retrier = apperrors.NewRetrier(
		cfg.ErrorHandling.PolicyFor("gap_filler"),
		logs.GetComponentLogger("retry").Logger,
	).OnRetry(cli.metrics.Retry)

	return nil
}

// openArchive opens the configured archive once. A disabled archive is nil.
func (cli *CLI) openArchive(ctx context.Context) (*storage.SQLArchive, error) {
	if cli.archive != nil {
		return cli.archive, nil
	}
	a, err := storage.OpenArchive(ctx, cli.config.Storage, cli.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if a != nil {
		cli.archive = a
		cli.onClose(a.Close)
	}
	return a, nil
}

func (cli *CLI) onClose(fn func() error) {
	cli.closeFns = append(cli.closeFns, fn)
}

// shutdown releases resources in reverse order of acquisition
func (cli *CLI) shutdown() {
	if cli.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cli.server.Stop(ctx); err != nil {
			cli.logger.Warn("metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	for i := len(cli.closeFns) - 1; i >= 0; i-- {
		if err := cli.closeFns[i](); err != nil && cli.logger != nil {
			cli.logger.Warn("failed to release resource", "error", err)
		}
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ue):
		return ExitUsageError
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.Is(err, apperrors.ErrSourceUnavailable):
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

// printUsage displays the main usage information
func printUsage() {
	fmt.Printf(`%s - OHLCV price history CLI v%s

USAGE:
    %s <command> [arguments]

COMMANDS:
    trade       Sync the history file, then follow the live market
    refresh     Sync the history file with the exchange and save it
    check       Verify the integrity of a history file offline

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Follow BTC-USD, printing every 5 minute price
    %s trade btcusd.dat watch BTC-USD 1

    # Bring the history file up to date without trading
    %s refresh btcusd.dat BTC-USD

    # Check a history file for gaps and drift
    %s check btcusd.dat

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON format, path overridable with %sCONFIG_PATH)
    - .env file and environment variables: %s* (e.g., %sPOLLER_INTERVAL=10s)

For detailed help on any command, use: %s help <command>
`, AppName, Version, AppName, AppName, AppName, AppName, ConfigFile,
		config.EnvPrefix, config.EnvPrefix, config.EnvPrefix, AppName)
}

// printCommandHelp displays help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "trade":
		fmt.Printf(`%s trade - Sync the history file, then follow the live market

USAGE:
    %s trade <file> <strategy> <symbol> [ui]

ARGUMENTS:
    file        History file path (binary, legacy CSV is read once and converted)
    strategy    Consumer of the derived prices: %s
    symbol      Trading symbol, like BTC-USD
    ui          Print compact price lines instead of logging: 0 or 1 (default from config)

The history is loaded, backfilled till now, recent gaps are fetched again, older
gaps are interpolated and integrity is verified before polling starts. Polling
stops between iterations on Ctrl+C and writes a final checkpoint.
`, AppName, AppName, strategyNames())

	case "refresh":
		fmt.Printf(`%s refresh - Sync the history file with the exchange and save it

USAGE:
    %s refresh <file> <symbol>

Runs the same repair sequence as trade and writes the file, so the next trade
starts faster. The file is written even when integrity still fails.
`, AppName, AppName)

	case "check":
		fmt.Printf(`%s check - Verify the integrity of a history file offline

USAGE:
    %s check <file>

Reports misaligned or unordered slots, gaps inside the validity window and
derived buckets that drift from their children. No network access.
`, AppName, AppName)

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
