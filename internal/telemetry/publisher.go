// Package telemetry ships engine events to the dashboard sink over HTTP. The
// publisher never blocks the trading loop: events go through a bounded queue
// that drops its oldest entry on overflow.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/models"
)

// Sink API routes.
const (
	pathSignals     = "/api/signals"
	pathTrades      = "/api/trades"
	pathPortfolio   = "/api/portfolio"
	pathPerformance = "/api/performance"
	pathStatus      = "/api/status"
)

// PortfolioUpdate is the portfolio snapshot published each iteration.
type PortfolioUpdate struct {
	Timestamp  time.Time                  `json:"timestamp"`
	TotalValue float64                    `json:"total_value"`
	Cash       float64                    `json:"cash"`
	Positions  map[string]models.Position `json:"positions"`
	DayPnL     float64                    `json:"day_pnl"`
}

// StatusEvent reports the scheduler's lifecycle and market session.
type StatusEvent struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Iteration int64     `json:"iteration"`
	Message   string    `json:"message,omitempty"`
}

type event struct {
	path    string
	payload any
}

// Config tunes the publisher.
type Config struct {
	Enabled   bool
	BaseURL   string
	QueueSize int
	// MaxAttempts per event; non-2xx responses count as failures.
	MaxAttempts int
	Timeout     time.Duration
}

// Publisher is the asynchronous sink client. A disabled publisher accepts and
// discards events, so call sites never branch.
type Publisher struct {
	cfg     Config
	client  *http.Client
	logger  zerolog.Logger
	queue   chan event
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	dropped atomic.Int64
}

// NewPublisher builds a publisher. Queue capacity is at least 1000.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.QueueSize < 1000 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan event, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the background worker.
func (p *Publisher) Start() {
	if !p.cfg.Enabled || !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.worker()
}

// Close drains the queue best-effort and stops the worker.
func (p *Publisher) Close() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	close(p.stop)
	p.wg.Wait()
}

// PublishSignal reports an aggregated signal.
func (p *Publisher) PublishSignal(sig models.AggregatedSignal) {
	p.enqueue(event{path: pathSignals, payload: sig})
}

// PublishTrade reports an executed trade.
func (p *Publisher) PublishTrade(t models.Trade) {
	p.enqueue(event{path: pathTrades, payload: t})
}

// PublishPortfolio reports the current book.
func (p *Publisher) PublishPortfolio(u PortfolioUpdate) {
	p.enqueue(event{path: pathPortfolio, payload: u})
}

// PublishPerformance reports cumulative counters.
func (p *Publisher) PublishPerformance(c models.PerformanceCounters) {
	p.enqueue(event{path: pathPerformance, payload: c})
}

// PublishStatus reports scheduler state.
func (p *Publisher) PublishStatus(s StatusEvent) {
	p.enqueue(event{path: pathStatus, payload: s})
}

// Dropped returns how many events were discarded due to overflow.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// enqueue adds the event, evicting the oldest queued event when full. It
// never blocks the caller.
func (p *Publisher) enqueue(e event) {
	if !p.cfg.Enabled {
		return
	}
	select {
	case p.queue <- e:
		return
	default:
	}
	// Queue full: evict one, then retry once. If a concurrent producer wins
	// the freed slot, this event is the drop instead.
	select {
	case <-p.queue:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.queue <- e:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.queue:
			p.send(e)
		case <-p.stop:
			for {
				select {
				case e := <-p.queue:
					p.send(e)
				default:
					return
				}
			}
		}
	}
}

// send posts one event with bounded retries. Failures are logged and the
// event is abandoned; telemetry is strictly best-effort.
func (p *Publisher) send(e event) {
	body, err := json.Marshal(e.payload)
	if err != nil {
		p.logger.Error().Str("path", e.path).Err(err).Msg("telemetry payload not serializable")
		return
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
		}
		lastErr = p.post(e.path, body)
		if lastErr == nil {
			return
		}
	}
	p.logger.Warn().Str("path", e.path).Err(lastErr).Msg("telemetry event abandoned")
}

func (p *Publisher) post(path string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink returned %s", resp.Status)
	}
	return nil
}

// Health probes the sink's health endpoint.
func (p *Publisher) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sink unhealthy: %s", resp.Status)
	}
	return nil
}
