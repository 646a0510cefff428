package notify

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"account-security/internal/metrics"
	"account-security/internal/util"
)

// Fetcher reads notification records with manual commits. *client.KafkaConsumer implements it.
type Fetcher interface {
	FetchMessage(ctx context.Context) (*kafka.Message, error)
	Commit(ctx context.Context, msg *kafka.Message) error
}

// Relay drains a notification topic into a delivering Notifier. Records are committed
// after delivery or after delivery is given up on, so a crash replays at most the
// in-flight record.
type Relay struct {
	source   Fetcher
	sink     Notifier
	attempts uint64
	backoff  time.Duration
	logger   *zap.Logger
}

func NewRelay(source Fetcher, sink Notifier, logger *zap.Logger) *Relay {
	return &Relay{source: source, sink: sink, attempts: 3, backoff: 500 * time.Millisecond, logger: logger.Named("relay")}
}

// Run processes records until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		rec, err := r.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.handle(ctx, rec)

		if err := r.source.Commit(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *Relay) handle(ctx context.Context, rec *kafka.Message) {
	msg, err := DecodeMessage(rec.Value)
	if err != nil {
		r.logger.Warn("Dropping undecodable notification",
			zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
		return
	}

	backoff := retry.WithMaxRetries(r.attempts-1, retry.NewExponential(r.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.sink.Send(ctx, msg); err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordNotifyFailure()
		r.logger.Error("Notification delivery failed", util.Email(msg.To), zap.Error(err))
		return
	}
	r.logger.Info("Notification delivered", util.Email(msg.To), util.String("subject", msg.Subject))
}
