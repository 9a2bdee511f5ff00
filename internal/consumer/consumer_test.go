package consumer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/consumer"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/kafkatest"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

const topic = urbandash.TopicRideStatusChanged

func fastOptions(maxAttempts int) consumer.Options {
	return consumer.Options{
		HandlerTimeout: time.Second,
		MaxAttempts:    maxAttempts,
		Backoff:        2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
}

func newRuntime(t *testing.T, b *kafkatest.Broker, maxAttempts int) *consumer.Runtime {
	t.Helper()
	rt := consumer.NewRuntime(b, consumer.NewMemoryLedger(), fastOptions(maxAttempts), urbandash.NopLogger())
	t.Cleanup(func() { rt.Close() })
	return rt
}

func publish(t *testing.T, b *kafkatest.Broker, requestID string, status urbandash.RideStatus) {
	t.Helper()
	msg, err := urbandash.Encode(topic, urbandash.RideStatusChanged{RequestID: requestID, Status: status, ChangedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, b.NewWriter().WriteMessages(context.Background(), msg))
}

func join(t *testing.T, ctx context.Context, rt *consumer.Runtime, groupID string, topic urbandash.Topic, h consumer.Handler) *consumer.Subscription {
	t.Helper()
	sub, err := rt.Subscribe(ctx, groupID, topic, h)
	require.NoError(t, err)
	return sub
}

// recorder collects handled messages.
type recorder struct {
	mu   sync.Mutex
	seen []kafka.Message
}

func (r *recorder) Handle(_ context.Context, m kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m)
	return nil
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, m := range r.seen {
		out = append(out, string(m.Key))
	}
	return out
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSubscribe_EveryGroupSeesEveryMessage(t *testing.T) {
	b := kafkatest.NewBroker(3)
	rt := newRuntime(t, b, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, c := &recorder{}, &recorder{}
	subA := join(t, ctx, rt, "group-a", topic, a)
	subC := join(t, ctx, rt, "group-c", topic, c)
	defer subA.Stop()
	defer subC.Stop()

	for i := 0; i < 6; i++ {
		publish(t, b, fmt.Sprintf("RIDE-%d", i), urbandash.RideMatched)
	}

	require.Eventually(t, func() bool { return a.Len() == 6 && c.Len() == 6 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.Lag("group-a", topic) == 0 && b.Lag("group-c", topic) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe_NewGroupSkipsHistory(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publish(t, b, "RIDE-old", urbandash.RideMatched)

	r := &recorder{}
	sub := join(t, ctx, rt, "late-group", topic, r)
	defer sub.Stop()
	publish(t, b, "RIDE-new", urbandash.RideMatched)

	require.Eventually(t, func() bool { return r.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"RIDE-new"}, r.Keys())
}

func TestSubscribe_NewGroupGetsWritesBeforeAssignment(t *testing.T) {
	b := kafkatest.NewBroker(2)
	b.DelayJoins(50 * time.Millisecond)
	rt := newRuntime(t, b, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publish(t, b, "RIDE-old", urbandash.RideMatched)
	r := &recorder{}
	sub := join(t, ctx, rt, "fresh-group", topic, r)
	defer sub.Stop()

	// The reader is still joining; these must not be skipped.
	publish(t, b, "RIDE-1", urbandash.RideMatched)
	publish(t, b, "RIDE-2", urbandash.RideMatched)

	require.Eventually(t, func() bool { return r.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"RIDE-1", "RIDE-2"}, r.Keys())
	require.Eventually(t, func() bool { return b.Lag("fresh-group", topic) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe_KeyOrderIsPreserved(t *testing.T) {
	b := kafkatest.NewBroker(4)
	rt := newRuntime(t, b, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var statuses []urbandash.RideStatus
	sub := join(t, ctx, rt, "order-group", topic, consumer.Typed(func(_ context.Context, ev urbandash.RideStatusChanged) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Status)
		return nil
	}))
	defer sub.Stop()

	want := []urbandash.RideStatus{urbandash.RideMatched, urbandash.RideInProgress, urbandash.RideCompleted}
	for _, s := range want {
		publish(t, b, "RIDE-1", s)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, statuses)
}

func TestSubscribe_TransientFailureRetriedInPlace(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	sub := join(t, ctx, rt, "flaky-group", topic, consumer.HandlerFunc(func(context.Context, kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return urbandash.ErrCorrelationLookup
		}
		return nil
	}))
	defer sub.Stop()

	publish(t, b, "RIDE-1", urbandash.RideMatched)

	require.Eventually(t, func() bool { return b.Lag("flaky-group", topic) == 0 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Empty(t, b.Messages(string(topic.DeadLetter())))
}

func TestSubscribe_PermanentFailureDeadLettersImmediately(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	var mu sync.Mutex
	sub := join(t, ctx, rt, "strict-group", topic, consumer.HandlerFunc(func(context.Context, kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return urbandash.Permanent(errors.New("bad payload"))
	}))
	defer sub.Stop()

	publish(t, b, "RIDE-1", urbandash.RideMatched)

	require.Eventually(t, func() bool { return len(b.Messages(string(topic.DeadLetter()))) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Lag("strict-group", topic) == 0 }, 2*time.Second, 5*time.Millisecond)

	dl := b.Messages(string(topic.DeadLetter()))[0]
	assert.Equal(t, "RIDE-1", string(dl.Key))
	assert.Equal(t, "1", header(dl, "x-attempts"))
	assert.Equal(t, "strict-group", header(dl, "x-group"))
	assert.Equal(t, "0", header(dl, "x-original-offset"))
	assert.Contains(t, header(dl, "x-error"), "bad payload")
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestSubscribe_ExhaustedRetriesDeadLetter(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := join(t, ctx, rt, "doomed-group", topic, consumer.HandlerFunc(func(context.Context, kafka.Message) error {
		return urbandash.ErrBrokerUnavailable
	}))
	defer sub.Stop()

	publish(t, b, "RIDE-1", urbandash.RideMatched)
	publish(t, b, "RIDE-2", urbandash.RideMatched)

	require.Eventually(t, func() bool { return len(b.Messages(string(topic.DeadLetter()))) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Lag("doomed-group", topic) == 0 }, 2*time.Second, 5*time.Millisecond)
	for _, dl := range b.Messages(string(topic.DeadLetter())) {
		assert.Equal(t, "3", header(dl, "x-attempts"))
	}
}

func TestSubscribe_UndecodableMessageDeadLetters(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := false
	sub := join(t, ctx, rt, "typed-group", topic, consumer.Typed(func(context.Context, urbandash.RideStatusChanged) error {
		called = true
		return nil
	}))
	defer sub.Stop()

	require.NoError(t, b.NewWriter().WriteMessages(ctx, kafka.Message{Topic: string(topic), Key: []byte("RIDE-1"), Value: []byte("{not json")}))

	require.Eventually(t, func() bool { return len(b.Messages(string(topic.DeadLetter()))) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, called)
}

func TestSubscribe_UncommittedMessageIsRedelivered(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan struct{}, 100)
	failing := join(t, ctx, rt, "restart-group", topic, consumer.HandlerFunc(func(context.Context, kafka.Message) error {
		attempts <- struct{}{}
		return errors.New("downstream offline")
	}))
	publish(t, b, "RIDE-1", urbandash.RideMatched)

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	require.NoError(t, failing.Stop())
	assert.Equal(t, int64(1), b.Lag("restart-group", topic))

	r := &recorder{}
	healthy := join(t, ctx, rt, "restart-group", topic, r)
	defer healthy.Stop()

	require.Eventually(t, func() bool { return r.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Lag("restart-group", topic) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"RIDE-1"}, r.Keys())
}

func TestSubscribe_HandlerPanicIsRetried(t *testing.T) {
	b := kafkatest.NewBroker(1)
	rt := newRuntime(t, b, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	sub := join(t, ctx, rt, "panic-group", topic, consumer.HandlerFunc(func(context.Context, kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}))
	defer sub.Stop()

	publish(t, b, "RIDE-1", urbandash.RideMatched)

	require.Eventually(t, func() bool { return b.Lag("panic-group", topic) == 0 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}
