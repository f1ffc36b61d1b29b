package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 100
	defaultLease        = 30 * time.Second
	maxBackoff          = 5 * time.Minute
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithPollInterval sets how often the outbox is polled without a Notify.
func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many records are claimed per round.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithBackoff replaces the retry delay schedule.
func WithBackoff(f func(attempt int) time.Duration) RelayOption {
	return func(r *Relay) { r.backoff = f }
}

// Relay moves committed outbox records to a Publisher.
type Relay struct {
	store    Store
	pub      Publisher
	logger   zerolog.Logger
	interval time.Duration
	batch    int
	lease    time.Duration
	backoff  func(attempt int) time.Duration
	now      func() time.Time
	wake     chan struct{}
}

// NewRelay creates a Relay.
func NewRelay(store Store, pub Publisher, logger zerolog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:    store,
		pub:      pub,
		logger:   logger,
		interval: defaultPollInterval,
		batch:    defaultBatchSize,
		lease:    defaultLease,
		backoff:  ExponentialBackoff,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ExponentialBackoff doubles from one second up to five minutes.
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Notify wakes the relay after a commit. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Int("batch", r.batch).Msg("outbox relay started")
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush publishes every record that is currently due and returns the number
// published. A failed publication is rescheduled and does not stop the flush.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	published := 0
	for {
		records, err := r.store.Claim(ctx, r.batch, r.lease)
		if err != nil {
			return published, fmt.Errorf("claim: %w", err)
		}
		if len(records) == 0 {
			return published, nil
		}

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return published, err
			}
			log := r.logger.With().
				Str("event_id", rec.ID.String()).
				Str("event_type", rec.Type).
				Str("tenant_id", rec.TenantID).
				Logger()

			if err := r.pub.Publish(ctx, rec.Envelope); err != nil {
				retryAt := r.now().Add(r.backoff(rec.Attempts + 1))
				log.Warn().Err(err).Int("attempt", rec.Attempts+1).Time("retry_at", retryAt).Msg("publish failed")
				if merr := r.store.MarkFailed(ctx, rec.ID, err, retryAt); merr != nil {
					return published, fmt.Errorf("mark failed: %w", merr)
				}
				continue
			}
			if err := r.store.MarkPublished(ctx, rec.ID); err != nil {
				return published, fmt.Errorf("mark published: %w", err)
			}
			published++
			log.Debug().Msg("event published")
		}

		if len(records) < r.batch {
			return published, nil
		}
	}
}
