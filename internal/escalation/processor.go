// SPDX-License-Identifier: Apache-2.0

// processor.go sweeps for due incidents and drives the state machine over
// them with bounded concurrency and per-incident error isolation.

package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rotaops/rota/internal/models"
	"github.com/rotaops/rota/internal/store"
	"github.com/rotaops/rota/internal/telemetry"
)

// Executor advances one incident's escalation.
type Executor interface {
	Execute(ctx context.Context, incidentID int64, stepArg *int) (Result, error)
}

// Summary is the outcome of one sweep.
type Summary struct {
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Processor periodically finds incidents whose escalation is due and fans
// them out to the executor. Incidents are independent; one slow or broken
// incident never serializes or aborts the batch.
type Processor struct {
	store       store.IncidentStore
	executor    Executor
	logger      *slog.Logger
	batchSize   int
	concurrency int
	lockTimeout time.Duration
	interval    time.Duration
	now         func() time.Time

	mu   sync.Mutex
	last Summary
}

type ProcessorOption func(*Processor)

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(st store.IncidentStore, executor Executor, lockTimeout time.Duration, batchSize, concurrency int, interval time.Duration, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	p := &Processor{
		store:       st,
		executor:    executor,
		logger:      logger,
		batchSize:   batchSize,
		concurrency: concurrency,
		lockTimeout: lockTimeout,
		interval:    interval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives periodic sweeps until ctx is cancelled. The first sweep runs
// immediately.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	summary, err := p.ProcessPending(ctx)
	if err != nil {
		p.logger.Error("escalation sweep failed", "err", err)
		return
	}
	if summary.Total > 0 {
		p.logger.Info("escalation sweep finished",
			"total", summary.Total, "processed", summary.Processed,
			"skipped", summary.Skipped, "errors", len(summary.Errors))
	}
}

// ProcessPending runs one sweep: query due incidents (oldest first, bounded
// batch), execute each with bounded concurrency, classify outcomes.
func (p *Processor) ProcessPending(ctx context.Context) (Summary, error) {
	ctx, span := telemetry.StartSweepSpan(ctx)
	defer span.End()

	summary := Summary{StartedAt: p.now()}

	due, err := p.dueWithRetry(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to query due escalations: %w", err)
	}
	summary.Total = len(due)
	telemetry.AddSweepIncidents(ctx, int64(len(due)))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.concurrency)
	)
	for _, inc := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(inc models.Incident) {
			defer wg.Done()
			defer func() { <-sem }()

			processed, errMsg := p.processOne(ctx, inc)
			mu.Lock()
			if processed {
				summary.Processed++
			} else {
				summary.Skipped++
			}
			if errMsg != "" {
				summary.Errors = append(summary.Errors, errMsg)
			}
			mu.Unlock()
		}(inc)
	}
	wg.Wait()

	summary.FinishedAt = p.now()
	telemetry.RecordSweepLatency(ctx, float64(summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()))

	p.mu.Lock()
	p.last = summary
	p.mu.Unlock()
	return summary, nil
}

// processOne runs one incident through the executor and classifies the
// outcome. Returns whether the incident escalated and an error message for
// the sweep's error list (empty for clean outcomes).
func (p *Processor) processOne(ctx context.Context, inc models.Incident) (bool, string) {
	res, err := p.executor.Execute(ctx, inc.ID, nil)
	if err != nil {
		if store.IsRetryable(err) {
			// Transient store trouble: release the lock, leave state for
			// the next sweep. Never force COMPLETED for these.
			p.logger.Warn("retryable escalation error, deferring to next sweep",
				"incident", inc.ID, "err", err)
			if relErr := p.store.ReleaseEscalationLock(ctx, inc.ID); relErr != nil {
				p.logger.Error("failed to release lock after retryable error",
					"incident", inc.ID, "err", relErr)
			}
			return false, ""
		}

		// Unclassified: fatal for this incident only, so it cannot spin
		// forever or block the batch.
		p.logger.Error("fatal escalation error, completing incident escalation",
			"incident", inc.ID, "err", err)
		telemetry.IncEscalationError(ctx, "fatal")
		if compErr := p.store.CompleteEscalation(ctx, inc.ID); compErr != nil {
			p.logger.Error("failed to force-complete escalation", "incident", inc.ID, "err", compErr)
		}
		if noteErr := p.store.AppendTimeline(ctx, inc.ID, "escalation_error",
			fmt.Sprintf("Escalation stopped after fatal error: %v", err)); noteErr != nil {
			p.logger.Error("failed to note fatal escalation error", "incident", inc.ID, "err", noteErr)
		}
		return false, fmt.Sprintf("incident %d: %v", inc.ID, err)
	}

	if res.Escalated {
		return true, ""
	}
	// Benign non-escalation (already in progress, scheduled, completed,
	// paused) and terminal reasons both end quietly; the engine persisted
	// the terminal state itself.
	return false, ""
}

// dueWithRetry retries the due-scan on transient store errors with
// exponential backoff; a sweep that cannot read the store at all gives up
// until the next tick.
func (p *Processor) dueWithRetry(ctx context.Context) ([]models.Incident, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	var due []models.Incident
	op := func() error {
		var err error
		due, err = p.store.DueEscalations(ctx, p.now(), p.lockTimeout, p.batchSize)
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return due, nil
}

// LastSummary returns the most recent sweep summary, for the ops endpoint.
func (p *Processor) LastSummary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
