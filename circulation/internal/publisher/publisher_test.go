package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/circuit_breaker"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
)

func TestKafka_Publish(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.CirculationTopic {
			return errors.Errorf("topic %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "c1" {
			return errors.Errorf("key %s", key)
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	p := NewKafka(producer, zap.NewNop())
	err := p.Publish(context.Background(),
		model.CopyEvent{CopyUid: "c1", To: model.StatusAvailable, Cause: model.CauseTransition},
		model.CopyEvent{CopyUid: "c1", To: model.StatusReserved, Cause: model.CausePromotion},
	)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestKafka_PublishOpensBreaker(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafka(producer, zap.NewNop())
	p.cb = circuit_breaker.New(1, time.Minute, 0.5, 1)

	err := p.Publish(context.Background(), model.CopyEvent{CopyUid: "c1"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	// the producer is never reached while the breaker is open
	err = p.Publish(context.Background(), model.CopyEvent{CopyUid: "c1"})
	require.ErrorIs(t, err, circuit_breaker.ErrOpenCB)
	require.NoError(t, p.Close())
}
