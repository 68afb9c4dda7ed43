package publisher

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/circuit_breaker"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
)

// Kafka publishes copy events keyed by copy uid, so one copy's history stays ordered.
// A struggling broker trips the breaker and events are dropped instead of
// stalling the engine.
type Kafka struct {
	producer sarama.SyncProducer
	cb       circuit_breaker.CircuitBreaker
	topic    string
	log      *zap.Logger
}

func NewKafka(producer sarama.SyncProducer, log *zap.Logger) *Kafka {
	return &Kafka{
		producer: producer,
		cb:       circuit_breaker.New(20, 30*time.Second, 0.5, 3),
		topic:    kafka.CirculationTopic,
		log:      log.Named("publisher"),
	}
}

func (p *Kafka) Publish(ctx context.Context, events ...model.CopyEvent) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := e
		err := p.cb.Call(func() error {
			return kafka.Send(p.producer, p.topic, e.CopyUid, e)
		})
		if err != nil {
			return errors.Wrapf(err, "publish %s %s", e.CopyUid, e.Cause)
		}
		p.log.Debug("event published", zap.String("copy_uid", e.CopyUid), zap.String("to", string(e.To)))
	}
	return nil
}

func (p *Kafka) Close() error {
	return p.producer.Close()
}
