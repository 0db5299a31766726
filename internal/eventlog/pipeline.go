package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/types"
)

// ErrSkip marks an event as not applicable. The handler returns it for
// events that need no routing action; the record goes to skipped and is
// never retried.
var ErrSkip = errors.New("eventlog: event skipped")

// Handler processes one telephony event and returns a short outcome
// label for the status record
type Handler func(ctx context.Context, ev types.TelephonyEvent) (string, error)

// Observer receives processing lifecycle notifications
type Observer interface {
	EventProcessed()
	EventFailed(terminal bool)
	EventRetried()
}

type nopObserver struct{}

func (nopObserver) EventProcessed()  {}
func (nopObserver) EventFailed(bool) {}
func (nopObserver) EventRetried()    {}

// PipelineConfig tunes retry behavior. ClaimTimeout is how long a
// processing claim may sit unresolved before the sweep treats it as a
// dead worker's and requeues it.
type PipelineConfig struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
	BatchSize    int
	ClaimTimeout time.Duration
}

// DefaultPipelineConfig returns the standard retry tuning
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxAttempts:  5,
		BackoffBase:  2 * time.Second,
		BackoffMax:   2 * time.Minute,
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		ClaimTimeout: 5 * time.Minute,
	}
}

// Pipeline persists incoming events, runs them through the handler, and
// retries failures with exponential backoff up to the attempt ceiling.
// An event is made durable before any processing happens, so a crash
// between ingest and processing is recovered by the retry scan.
type Pipeline struct {
	store    Store
	handler  Handler
	config   PipelineConfig
	observer Observer
	logger   zerolog.Logger
	clock    func() time.Time
}

func NewPipeline(store Store, handler Handler, cfg PipelineConfig, logger zerolog.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Pipeline{
		store:    store,
		handler:  handler,
		config:   cfg,
		observer: nopObserver{},
		logger:   logger.With().Str("component", "eventlog").Logger(),
		clock:    time.Now,
	}
}

// WithObserver sets the processing observer. Call before Run.
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

// WithClock overrides the time source for tests
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Ingest makes an event durable and processes it once inline. The
// event and its pending status are written before the handler runs, so
// a failure here is retried by the background scan rather than lost.
func (p *Pipeline) Ingest(ctx context.Context, ev types.TelephonyEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.clock()
	}

	if err := p.store.SaveEvent(ctx, ev); err != nil {
		return err
	}
	st := types.ProcessingStatus{
		EventID:   ev.EventID,
		State:     types.ProcessingPending,
		UpdatedAt: p.clock(),
	}
	if err := p.store.SaveStatus(ctx, st); err != nil {
		return err
	}

	st = p.processOne(ctx, st, ev)
	return p.store.SaveStatus(ctx, st)
}

// Run drives the retry scan until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.config.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info().
		Int("max_attempts", p.config.MaxAttempts).
		Dur("poll_interval", interval).
		Msg("retry worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("retry worker stopped")
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				p.logger.Error().Err(err).Msg("retry sweep failed")
			}
		}
	}
}

// Sweep processes one batch of due statuses and bulk-writes the results
func (p *Pipeline) Sweep(ctx context.Context) error {
	now := p.clock()
	claimTimeout := p.config.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Minute
	}
	due, err := p.store.ListDue(ctx, now, now.Add(-claimTimeout), p.config.MaxAttempts, p.config.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	results := make([]types.ProcessingStatus, 0, len(due))
	for _, st := range due {
		ev, err := p.store.GetEvent(ctx, st.EventID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				st.State = types.ProcessingSkipped
				st.LastError = "event record missing"
				st.UpdatedAt = p.clock()
				results = append(results, st)
				continue
			}
			return err
		}
		if st.Attempts > 0 {
			p.observer.EventRetried()
		}
		results = append(results, p.processOne(ctx, st, ev))
	}
	return p.store.SaveStatusBatch(ctx, results)
}

func (p *Pipeline) processOne(ctx context.Context, st types.ProcessingStatus, ev types.TelephonyEvent) types.ProcessingStatus {
	now := p.clock()
	st.State = types.ProcessingActive
	st.Attempts++
	st.LastAttempt = now
	st.UpdatedAt = now
	// Claim before processing so a concurrent sweep does not pick the
	// same record up again mid-handler.
	if err := p.store.SaveStatus(ctx, st); err != nil {
		p.logger.Error().Err(err).Str("event_id", st.EventID).Msg("failed to claim status")
	}

	outcome, err := p.handler(ctx, ev)
	now = p.clock()
	st.UpdatedAt = now

	switch {
	case err == nil:
		st.State = types.ProcessingProcessed
		st.Outcome = outcome
		st.LastError = ""
		p.observer.EventProcessed()

	case errors.Is(err, ErrSkip):
		st.State = types.ProcessingSkipped
		st.Outcome = outcome
		st.LastError = ""

	default:
		st.State = types.ProcessingFailed
		st.LastError = err.Error()
		terminal := st.Attempts >= p.config.MaxAttempts
		p.observer.EventFailed(terminal)
		if terminal {
			p.logger.Error().
				Err(err).
				Str("event_id", st.EventID).
				Str("type", string(ev.Type)).
				Int("attempts", st.Attempts).
				Msg("event failed permanently")
		} else {
			st.NextRetry = now.Add(p.backoff(st.Attempts))
			p.logger.Warn().
				Err(err).
				Str("event_id", st.EventID).
				Str("type", string(ev.Type)).
				Int("attempts", st.Attempts).
				Time("next_retry", st.NextRetry).
				Msg("event processing failed, will retry")
		}
	}
	return st
}

// backoff doubles per attempt starting from BackoffBase, capped at
// BackoffMax
func (p *Pipeline) backoff(attempts int) time.Duration {
	d := p.config.BackoffBase
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.config.BackoffMax > 0 && d >= p.config.BackoffMax {
			return p.config.BackoffMax
		}
	}
	if p.config.BackoffMax > 0 && d > p.config.BackoffMax {
		d = p.config.BackoffMax
	}
	return d
}
