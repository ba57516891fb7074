package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"averagerule/internal/models"
)

// FanOut delivers every notification to all of its publishers. A failing
// publisher does not stop delivery to the others; the errors are joined.
type FanOut []Publisher

// Publish implements Publisher.
func (f FanOut) Publish(ctx context.Context, n *models.Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishBatch implements Publisher.
func (f FanOut) PublishBatch(ctx context.Context, notifications []*models.Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishBatch(ctx, notifications); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes notifications to a logger. Used when no broker is
// configured.
type LogPublisher struct {
	Log zerolog.Logger
}

// Publish implements Publisher.
func (l LogPublisher) Publish(_ context.Context, n *models.Notification) error {
	l.Log.Info().
		Str("rule", n.Rule).
		Str("reason", n.Reason).
		Strs("asset", n.Assets).
		Str("timestamp", n.Timestamp).
		Str("batch_id", n.BatchID).
		Msg("notification")
	return nil
}

// PublishBatch implements Publisher.
func (l LogPublisher) PublishBatch(ctx context.Context, notifications []*models.Notification) error {
	for _, n := range notifications {
		_ = l.Publish(ctx, n)
	}
	return nil
}
