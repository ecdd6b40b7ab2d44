// Package notify delivers moderation notices to content authors.
package notify

import (
	"context"
	"errors"

	"github.com/ButyrinIA/remy/internal/models"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, n models.Notice) error
}

// LogNotifier only records notices in the log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n models.Notice) error {
	l.log.Info("notice",
		zap.String("id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("recipient", n.RecipientID),
		zap.String("content_type", string(n.ContentType)),
		zap.Int64("content_id", n.ContentID))
	return nil
}

// Multi sends every notice to all notifiers and joins their errors.
type Multi []Notifier

// Notify delivers n to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, n models.Notice) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
