package handler

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
)

type transitionFunc func(ctx context.Context, copyUid string, target model.Status, actor string) (model.Copy, error)

// Consumer applies kiosk transition commands through the same engine path as HTTP.
type Consumer struct {
	transition transitionFunc
	log        *zap.Logger
	ready      chan bool

	retryInterval time.Duration
	maxTries      uint
}

func NewConsumer(transition transitionFunc, log *zap.Logger) *Consumer {
	return &Consumer{
		transition:    transition,
		log:           log.Named("consumer"),
		ready:         make(chan bool),
		retryInterval: 500 * time.Millisecond,
		maxTries:      5,
	}
}

// Ready is closed once the first session is set up.
func (consumer *Consumer) Ready() <-chan bool {
	return consumer.ready
}

func (consumer *Consumer) Setup(sarama.ConsumerGroupSession) error {
	select {
	case <-consumer.ready:
	default:
		close(consumer.ready)
	}
	return nil
}

func (consumer *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (consumer *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				consumer.log.Warn("message channel was closed")
				return nil
			}
			if err := consumer.retry(session.Context(), message); err != nil {
				// Offsets commit cumulatively, so nothing after this message may be
				// marked. Ending the session makes the group resume from it.
				consumer.log.Error("consumer.transition", zap.Error(err), zap.Int64("offset", message.Offset))
				return err
			}
			consumer.log.Debug("message claimed",
				zap.String("value", string(message.Value)),
				zap.Time("timestamp", message.Timestamp),
				zap.String("topic", message.Topic))
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// retry runs handle with exponential backoff until it succeeds, the tries
// run out or the session ends.
func (consumer *Consumer) retry(ctx context.Context, message *sarama.ConsumerMessage) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = consumer.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, consumer.handle(ctx, message)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(consumer.maxTries))
	return err
}

// handle returns an error only for failures worth redelivering. Malformed
// commands and rejected transitions are logged and acknowledged.
func (consumer *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var cmd model.TransitionCommand
	if err := kafka.Decode(message.Value, &cmd); err != nil {
		consumer.log.Error("decode command", zap.Error(err))
		return nil
	}
	if cmd.CopyUid == "" || !cmd.Status.Valid() {
		consumer.log.Warn("invalid command", zap.String("copy_uid", cmd.CopyUid), zap.String("status", string(cmd.Status)))
		return nil
	}
	_, err := consumer.transition(ctx, cmd.CopyUid, cmd.Status, cmd.Username)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrForbidden),
		errors.Is(err, errs.ErrNotFound):
		consumer.log.Warn("command rejected", zap.String("copy_uid", cmd.CopyUid), zap.Error(err))
		return nil
	}
	return err
}
