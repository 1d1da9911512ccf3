// Command bot runs the trading engine: paper or live scan loop, or a
// historical backtest, depending on environment.mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/backtest"
	"github.com/niranjank/dalalbot/internal/broker"
	"github.com/niranjank/dalalbot/internal/config"
	"github.com/niranjank/dalalbot/internal/fno"
	"github.com/niranjank/dalalbot/internal/marketdata"
	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/portfolio"
	"github.com/niranjank/dalalbot/internal/ratelimit"
	"github.com/niranjank/dalalbot/internal/scheduler"
	"github.com/niranjank/dalalbot/internal/state"
	"github.com/niranjank/dalalbot/internal/strategy"
	"github.com/niranjank/dalalbot/internal/telemetry"
	"github.com/niranjank/dalalbot/internal/util"
)

const backtestLookbackDays = 250

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	confirmLive := flag.Bool("confirm-live", false, "required to place real orders in live mode")
	flatten := flag.Bool("flatten", false, "close all open option structures, persist and exit")
	flag.Parse()

	if err := run(*configPath, *confirmLive, *flatten); err != nil {
		fmt.Fprintf(os.Stderr, "bot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, confirmLive, flatten bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Mode() == models.ModeLive && !confirmLive {
		return errors.New("live mode places real orders; rerun with --confirm-live")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.NewLimiter(cfg.RateLimit.MaxPerSecond, cfg.RateLimit.MaxPerMinute)
	guard := ratelimit.NewGuard("broker-api", limiter, ratelimit.BreakerSettings{
		FailureThreshold: cfg.RateLimit.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitResetTimeout(),
	}, logger)

	if cfg.Data.PrimaryURL == "" {
		return errors.New("data.primary_url is required")
	}
	primary := marketdata.NewHTTPSource(cfg.Data.PrimaryURL, cfg.Data.APIKey, logger)
	var fallback marketdata.Source
	if cfg.Data.FallbackURL != "" {
		fallback = marketdata.NewHTTPSource(cfg.Data.FallbackURL, cfg.Data.APIKey, logger)
	}
	provider := marketdata.NewProvider(primary, fallback, guard, marketdata.Config{
		TTL:             cfg.CacheTTL(),
		BatchSize:       cfg.Schedule.BatchSize,
		InterBatchDelay: cfg.InterBatchDelay(),
	}, logger)

	strategies := strategy.DefaultSet()
	agg := strategy.NewAggregator(
		strategy.Thresholds{Agreement: cfg.Signals.AgreementEntry, MinConfidence: cfg.Signals.MinConfidenceEntry},
		strategy.Thresholds{Agreement: cfg.Signals.AgreementExit, MinConfidence: cfg.Signals.MinConfidenceExit},
	)

	if cfg.Mode() == models.ModeBacktest {
		return runBacktest(ctx, cfg, provider, strategies, agg, logger)
	}

	var routing broker.Broker
	if cfg.Mode() == models.ModeLive {
		routing = broker.NewRESTBroker(cfg.Broker.BaseURL, cfg.Broker.APIKey, logger)
		logger.Warn().Msg("LIVE MODE: orders will be routed to the broker")
	} else {
		routing = broker.NewPaperBroker(func(exchange models.Exchange, symbol string) (float64, error) {
			prices := provider.FetchCurrentPrices(ctx, []string{symbol})
			last, ok := prices[symbol]
			if !ok || last <= 0 {
				return 0, &models.DataError{Kind: models.DataMissing, Symbol: symbol}
			}
			return last, nil
		}, cfg.Risk.SlippageBps)
	}
	gateway := broker.NewGateway(routing, guard, broker.DefaultRetryPolicy(), broker.GatewayConfig{}, logger)

	pf := portfolio.New(cfg, gateway, logger)
	store, err := state.NewStore(cfg.Storage.Dir, logger)
	if err != nil {
		return err
	}

	pub := telemetry.NewPublisher(telemetry.Config{
		Enabled:   cfg.Telemetry.Enabled,
		BaseURL:   cfg.Telemetry.BaseURL,
		QueueSize: cfg.Telemetry.QueueSize,
	}, logger)
	pub.Start()
	defer pub.Close()

	deps := scheduler.Deps{
		Data:       provider,
		Portfolio:  pf,
		Strategies: strategies,
		Aggregator: agg,
		Store:      store,
		Telemetry:  pub,
		Broker:     gateway,
		Calendar:   scheduler.Calendar{},
	}
	if cfg.FnO.Enabled {
		deps.Structures = fno.NewComposer(cfg, nil, nil, strategies, agg, gateway, provider, pf, logger)
	}

	sched := scheduler.New(cfg, deps, logger)
	if err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	if flatten {
		logger.Warn().Msg("flattening open option structures")
		return sched.FlattenStructures(ctx)
	}

	err = sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

func runBacktest(ctx context.Context, cfg *config.Config, provider *marketdata.Provider,
	strategies []strategy.Strategy, agg *strategy.Aggregator, logger zerolog.Logger) error {
	if len(cfg.Symbols) == 0 {
		return errors.New("backtest mode needs a symbols list")
	}

	logger.Info().Int("symbols", len(cfg.Symbols)).Int("days", backtestLookbackDays).Msg("loading history")
	history := provider.FetchBarsBatch(ctx, cfg.Symbols, "day", backtestLookbackDays)
	if len(history) == 0 {
		return errors.New("no history available for any symbol")
	}

	res, err := backtest.New(cfg, strategies, agg, logger).Run(ctx, history)
	if err != nil {
		return err
	}

	summary := *res
	summary.Trades = nil // keep stdout compact; trade detail stays in the result
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	logger.Info().
		Int("trades", len(res.Trades)).
		Float64("return_pct", res.ReturnPct).
		Float64("max_drawdown_pct", res.MaxDrawdownPct).
		Msg("backtest finished")
	return nil
}

// newLogger builds the console logger plus a per-day file writer under
// <storage.dir>/logs.
func newLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log level %q: %w", cfg.Environment.LogLevel, err)
	}

	logDir := filepath.Join(cfg.Storage.Dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return zerolog.Logger{}, nil, err
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("trading_%s.log", util.TradingDay(util.NowIST())))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	multi := io.MultiWriter(console, file)
	logger := zerolog.New(multi).Level(level).With().Timestamp().Logger()
	return logger, func() { _ = file.Close() }, nil
}
