package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type queueFetcher struct {
	mu        sync.Mutex
	queue     []*kafka.Message
	committed []int64
	drained   chan struct{}
}

func newQueueFetcher(values ...[]byte) *queueFetcher {
	f := &queueFetcher{drained: make(chan struct{})}
	for i, v := range values {
		f.queue = append(f.queue, &kafka.Message{Offset: int64(i), Value: v})
	}
	return f
}

func (f *queueFetcher) FetchMessage(ctx context.Context) (*kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	close(f.drained)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *queueFetcher) Commit(_ context.Context, msg *kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msg.Offset)
	return nil
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Message
}

func (s *flakySink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func encoded(t *testing.T, msg Message) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func runRelay(t *testing.T, f *queueFetcher, sink Notifier) {
	t.Helper()
	r := NewRelay(f, sink, zaptest.NewLogger(t))
	r.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-f.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRelayDeliversAndCommits(t *testing.T) {
	msg := Message{To: "alice@example.com", Subject: "Your OTP Code", Body: "123456"}
	f := newQueueFetcher(encoded(t, msg), []byte("garbage"))
	sink := &flakySink{failures: 1}

	runRelay(t, f, sink)

	assert.Equal(t, []Message{msg}, sink.sent)
	assert.Equal(t, 2, sink.calls, "one retry after the first failure")
	assert.Equal(t, []int64{0, 1}, f.committed, "undecodable records are committed and skipped")
}

func TestRelayGivesUpAfterAttempts(t *testing.T) {
	f := newQueueFetcher(encoded(t, Message{To: "alice@example.com", Body: "1"}))
	sink := &flakySink{failures: 10}

	runRelay(t, f, sink)

	assert.Empty(t, sink.sent)
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, []int64{0}, f.committed)
}
