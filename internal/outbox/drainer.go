package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
	"github.com/capitalize-ai/agentsync/pkg/tracing"
)

// Store is the outbox persistence the drainer needs.
type Store interface {
	ClaimOutbox(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.OutboxEntry, error)
	MarkDelivered(ctx context.Context, eventID, workerID string) error
	MarkFailed(ctx context.Context, eventID, workerID string, deliveryErr error) error
	RetryFailed(ctx context.Context, now time.Time, policy store.RetryPolicy) (int, error)
	OutboxSummary(ctx context.Context) (model.OutboxSummary, error)
}

// Config controls the drain loop.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	Retry        BackoffPolicy
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.Retry.Initial <= 0 {
		c.Retry = DefaultBackoffPolicy()
	}
	return c
}

// Drainer claims pending outbox entries and delivers them through the registry.
// Each entry is leased to one worker at a time; failures are marked failed and
// requeued by the retry loop once their backoff has elapsed.
type Drainer struct {
	store    Store
	registry *Registry
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time
	prefix   string
}

// NewDrainer creates a drainer.
func NewDrainer(st Store, registry *Registry, cfg Config, log *logger.Logger) *Drainer {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "drainer"
	}
	return &Drainer{
		store:    st,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   log,
		now:      time.Now,
		prefix:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Run drains until ctx is cancelled. It starts the configured number of
// workers plus one retry loop.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("outbox drainer started",
		zap.Int("workers", d.cfg.Workers),
		zap.Strings("transports", d.registry.Names()),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", d.prefix, i)
		g.Go(func() error {
			return d.workerLoop(ctx, workerID)
		})
	}
	g.Go(func() error {
		return d.retryLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("outbox drainer stopped")
	return err
}

func (d *Drainer) workerLoop(ctx context.Context, workerID string) error {
	for {
		n, err := d.DrainOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("outbox drain failed", zap.String("worker_id", workerID), zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Drainer) retryLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RequeueDue(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox requeue failed", zap.Error(err))
			}
			d.recordDepth(ctx)
		}
	}
}

// DrainOnce claims one batch for workerID and attempts each entry.
// It returns the number of entries claimed.
func (d *Drainer) DrainOnce(ctx context.Context, workerID string) (int, error) {
	entries, err := d.store.ClaimOutbox(ctx, workerID, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	for _, entry := range entries {
		if err := d.deliver(ctx, workerID, entry); err != nil {
			return len(entries), err
		}
	}
	return len(entries), nil
}

// RequeueDue moves failed entries whose backoff has elapsed back to pending.
func (d *Drainer) RequeueDue(ctx context.Context) (int, error) {
	n, err := d.store.RetryFailed(ctx, d.now(), d.cfg.Retry)
	if err != nil {
		return 0, fmt.Errorf("retry failed outbox entries: %w", err)
	}
	if n > 0 {
		metrics.OutboxRequeued.Add(float64(n))
		d.logger.Info("requeued failed outbox entries", zap.Int("count", n))
	}
	return n, nil
}

// deliver attempts one entry and records the outcome. Only store errors are returned.
func (d *Drainer) deliver(ctx context.Context, workerID string, entry model.OutboxEntry) error {
	log := d.logger.With(
		zap.String("event_id", entry.EventID),
		zap.String("transport", entry.Transport),
		zap.String("worker_id", workerID),
		zap.Int("attempt", entry.AttemptCount),
	)

	ctx, span := tracing.Start(ctx, "outbox.deliver",
		attribute.String("outbox.event_id", entry.EventID),
		attribute.String("outbox.transport", entry.Transport),
		attribute.Int("outbox.attempt", entry.AttemptCount),
	)

	start := time.Now()
	var deliveryErr error
	transport, ok := d.registry.Get(entry.Transport)
	if !ok {
		deliveryErr = &TransportError{Transport: entry.Transport, EventID: entry.EventID, Err: errors.New("no transport registered")}
	} else {
		deliveryErr = transport.Deliver(ctx, entry)
	}
	tracing.End(span, deliveryErr)

	if deliveryErr == nil {
		metrics.RecordDelivery(entry.Transport, "delivered", time.Since(start).Seconds())
		if err := d.store.MarkDelivered(ctx, entry.EventID, workerID); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				log.Warn("lease lost before delivery was recorded", zap.Error(err))
				return nil
			}
			return fmt.Errorf("mark delivered %s: %w", entry.EventID, err)
		}
		log.Debug("outbox entry delivered")
		return nil
	}

	metrics.RecordDelivery(entry.Transport, "failed", time.Since(start).Seconds())
	log.Warn("outbox delivery failed", zap.Error(deliveryErr))
	if err := d.store.MarkFailed(ctx, entry.EventID, workerID, deliveryErr); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Warn("lease lost before failure was recorded", zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark failed %s: %w", entry.EventID, err)
	}
	return nil
}

func (d *Drainer) recordDepth(ctx context.Context) {
	summary, err := d.store.OutboxSummary(ctx)
	if err != nil {
		d.logger.Debug("outbox summary failed", zap.Error(err))
		return
	}
	metrics.OutboxEntries.WithLabelValues(string(model.OutboxPending)).Set(float64(summary.Pending))
	metrics.OutboxEntries.WithLabelValues(string(model.OutboxDelivered)).Set(float64(summary.Delivered))
	metrics.OutboxEntries.WithLabelValues(string(model.OutboxFailed)).Set(float64(summary.Failed))
}
