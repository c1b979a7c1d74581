package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"beacon/internal/platform/models"
)

type deliveryLister interface {
	ListRetrying(ctx context.Context, after *models.DeliveryCursor, limit int) ([]*models.Delivery, error)
	ListStalePending(ctx context.Context, updatedBefore int64, after *models.DeliveryCursor, limit int) ([]*models.Delivery, error)
}

type deliveryRecoverer interface {
	RecoverDelivery(d *models.Delivery, delay time.Duration) bool
}

// RetrySweeper re-arms deliveries whose in-memory timer or first attempt was
// lost, e.g. to a restart.
type RetrySweeper struct {
	deliveries   deliveryLister
	sender       deliveryRecoverer
	interval     time.Duration
	pendingAfter time.Duration
	batch        int
	now          func() time.Time
	logger       zerolog.Logger
}

// NewRetrySweeper builds a sweeper. Pending deliveries untouched for longer
// than pendingAfter are attempted again; zero leaves pending rows alone.
func NewRetrySweeper(deliveries deliveryLister, sender deliveryRecoverer, interval, pendingAfter time.Duration) *RetrySweeper {
	return &RetrySweeper{
		deliveries:   deliveries,
		sender:       sender,
		interval:     interval,
		pendingAfter: pendingAfter,
		batch:        500,
		now:          time.Now,
		logger:       log.With().Str("worker", "retry_sweeper").Logger(),
	}
}

// Sweep arms every recoverable delivery that has no pending timer and returns
// how many were armed. Overdue retries and stale pending rows fire
// immediately.
func (s *RetrySweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	retries, err := s.sweep(ctx, now, func(after *models.DeliveryCursor) ([]*models.Delivery, error) {
		return s.deliveries.ListRetrying(ctx, after, s.batch)
	}, func(d *models.Delivery) models.DeliveryCursor {
		var key int64
		if d.NextRetryAt != nil {
			key = *d.NextRetryAt
		}
		return models.DeliveryCursor{Key: key, ID: d.ID}
	})
	if err != nil {
		return retries, err
	}

	var pending int
	if s.pendingAfter > 0 {
		before := now.Add(-s.pendingAfter).Unix()
		pending, err = s.sweep(ctx, now, func(after *models.DeliveryCursor) ([]*models.Delivery, error) {
			return s.deliveries.ListStalePending(ctx, before, after, s.batch)
		}, func(d *models.Delivery) models.DeliveryCursor {
			return models.DeliveryCursor{Key: d.UpdatedAt, ID: d.ID}
		})
		if err != nil {
			return retries + pending, err
		}
	}

	if retries+pending > 0 {
		s.logger.Info().Int("retries", retries).Int("pending", pending).Msg("re-armed lost deliveries")
	}
	return retries + pending, nil
}

// sweep pages through list until a short page and arms each row.
func (s *RetrySweeper) sweep(
	ctx context.Context,
	now time.Time,
	list func(after *models.DeliveryCursor) ([]*models.Delivery, error),
	cursorOf func(d *models.Delivery) models.DeliveryCursor,
) (int, error) {
	armed := 0
	var after *models.DeliveryCursor
	for {
		if err := ctx.Err(); err != nil {
			return armed, err
		}

		page, err := list(after)
		if err != nil {
			return armed, err
		}

		for _, d := range page {
			var delay time.Duration
			if d.Status == models.DeliveryRetrying && d.NextRetryAt != nil {
				delay = time.Unix(*d.NextRetryAt, 0).Sub(now)
			}
			if delay < 0 {
				delay = 0
			}
			if s.sender.RecoverDelivery(d, delay) {
				armed++
			}
		}

		if len(page) < s.batch || len(page) == 0 {
			return armed, nil
		}
		cursor := cursorOf(page[len(page)-1])
		after = &cursor
	}
}

// Run sweeps once when sweepNow is set, then every interval until ctx is done.
// A zero interval disables the periodic sweep.
func (s *RetrySweeper) Run(ctx context.Context, sweepNow bool) error {
	if sweepNow {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("startup sweep failed")
		}
	}
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("retry sweep failed")
			}
		}
	}
}
