package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

func TestConsumer_handle(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		name     string
		value    string
		err      error
		wantCall bool
		wantErr  bool
	}{
		{name: "ok", value: `{"copyUid":"c1","status":"LOANED","username":"userA"}`, wantCall: true},
		{name: "malformed is acknowledged", value: `{"copyUid":`},
		{name: "unknown status is acknowledged", value: `{"copyUid":"c1","status":"LOST"}`},
		{name: "rejected transition is acknowledged", value: `{"copyUid":"c1","status":"RESERVED"}`, err: errs.NewTransitionError(model.StatusAvailable, model.StatusReserved, ""), wantCall: true},
		{name: "store failure is redelivered", value: `{"copyUid":"c1","status":"AVAILABLE"}`, err: errors.New("db down"), wantCall: true, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			consumer := NewConsumer(func(_ context.Context, copyUid string, target model.Status, actor string) (model.Copy, error) {
				called = true
				require.Equal(t, "c1", copyUid)
				return model.Copy{CopyUid: copyUid, Status: target}, tt.err
			}, zap.NewNop())

			err := consumer.handle(context.Background(), &sarama.ConsumerMessage{Value: []byte(tt.value)})
			require.Equal(t, tt.wantCall, called)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "copy-commands" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 3 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(values ...string) *fakeClaim {
	c := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(values))}
	for i, v := range values {
		c.messages <- &sarama.ConsumerMessage{Offset: int64(i + 1), Value: []byte(v)}
	}
	close(c.messages)
	return c
}

func TestConsumer_ConsumeClaim(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		name       string
		failures   map[string]int
		wantMarked []int64
		wantErr    bool
	}{
		{
			name:       "ok",
			wantMarked: []int64{1, 2},
		},
		{
			name:       "transient failure is retried in place",
			failures:   map[string]int{"c1": 2},
			wantMarked: []int64{1, 2},
		},
		{
			name:       "persistent failure stops before later offsets",
			failures:   map[string]int{"c1": 100},
			wantMarked: nil,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var mu sync.Mutex
			failures := make(map[string]int, len(tt.failures))
			for k, v := range tt.failures {
				failures[k] = v
			}
			consumer := NewConsumer(func(_ context.Context, copyUid string, target model.Status, _ string) (model.Copy, error) {
				mu.Lock()
				defer mu.Unlock()
				if failures[copyUid] > 0 {
					failures[copyUid]--
					return model.Copy{}, errors.New("db down")
				}
				return model.Copy{CopyUid: copyUid, Status: target}, nil
			}, zap.NewNop())
			consumer.retryInterval = time.Millisecond
			consumer.maxTries = 3

			session := &fakeSession{ctx: context.Background()}
			claim := newClaim(
				`{"copyUid":"c1","status":"AVAILABLE"}`,
				`{"copyUid":"c2","status":"AVAILABLE"}`,
			)
			err := consumer.ConsumeClaim(session, claim)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantMarked, session.marked)
		})
	}
}
