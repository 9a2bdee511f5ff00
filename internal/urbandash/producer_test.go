package urbandash_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/kafkatest"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

func ride() urbandash.RideRequestCreated {
	order := "ORDER-1"
	return urbandash.RideRequestCreated{
		RequestID:         "RIDE-1",
		UserID:            "user-1",
		PickupLocation:    "123 Main St",
		DropLocation:      "9 Oak Ave",
		PickupTime:        "2026-03-01T12:30:00Z",
		RideCapacity:      1,
		AssociatedOrderID: &order,
		Status:            urbandash.RidePending,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestProducer_Publish(t *testing.T) {
	b := kafkatest.NewBroker(3)
	p := urbandash.NewProducer(b, time.Second, urbandash.NopLogger())
	defer p.Close()

	ack, err := p.Publish(context.Background(), urbandash.TopicRideRequestCreated, ride())
	require.NoError(t, err)
	assert.Equal(t, "RIDE-1", ack.Key)
	assert.Equal(t, "ride-request-created", ack.Topic)

	msgs := b.Messages("ride-request-created")
	require.Len(t, msgs, 1)
	assert.Equal(t, "RIDE-1", string(msgs[0].Key))
}

func TestProducer_RetriesOnceAfterReconnect(t *testing.T) {
	b := kafkatest.NewBroker(1)
	p := urbandash.NewProducer(b, time.Second, urbandash.NopLogger())
	defer p.Close()

	b.FailNextWrites(1)
	_, err := p.Publish(context.Background(), urbandash.TopicRideRequestCreated, ride())
	require.NoError(t, err)
	assert.Equal(t, 2, b.WriteAttempts())
	assert.Len(t, b.Messages("ride-request-created"), 1)
}

func TestProducer_FailsAfterSecondAttempt(t *testing.T) {
	b := kafkatest.NewBroker(1)
	p := urbandash.NewProducer(b, time.Second, urbandash.NopLogger())
	defer p.Close()

	b.FailNextWrites(2)
	_, err := p.Publish(context.Background(), urbandash.TopicRideRequestCreated, ride())
	require.Error(t, err)
	assert.True(t, errors.Is(err, urbandash.ErrBrokerUnavailable))
	assert.Equal(t, 2, b.WriteAttempts())
	assert.Empty(t, b.Messages("ride-request-created"))
}

func TestProducer_RejectsInvalidPayload(t *testing.T) {
	b := kafkatest.NewBroker(1)
	p := urbandash.NewProducer(b, time.Second, urbandash.NopLogger())
	defer p.Close()

	bad := ride()
	bad.RideCapacity = 9
	_, err := p.Publish(context.Background(), urbandash.TopicRideRequestCreated, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, urbandash.ErrSerialization))
	assert.Zero(t, b.WriteAttempts())
}

func TestLogger_WritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	log := urbandash.NewLoggerWithConfig("urbanfoodride", urbandash.LogConfig{Level: "info", JSON: true, Output: &buf})

	log.With("component", "rides").Info("ride matched", map[string]any{"discount": 100})
	log.Debug("hidden", nil)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "urbanfoodride", entry["service"])
	assert.Equal(t, "rides", entry["component"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "ride matched", entry["message"])
	assert.EqualValues(t, 100, entry["discount"])
	assert.Contains(t, entry, "time")
}

// splitTransport hands out writers; the first fails every write once both
// concurrent senders are inside it.
type splitTransport struct {
	mu      sync.Mutex
	writers []*splitWriter
	inside  sync.WaitGroup
}

func (t *splitTransport) NewWriter() urbandash.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := &splitWriter{t: t, broken: len(t.writers) == 0}
	t.writers = append(t.writers, w)
	return w
}

func (t *splitTransport) NewReader(string, urbandash.Topic) urbandash.Reader { return nil }

func (t *splitTransport) SeedGroup(context.Context, string, urbandash.Topic) error { return nil }

type splitWriter struct {
	t       *splitTransport
	broken  bool
	closed  atomic.Bool
	written atomic.Int32
}

func (w *splitWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.closed.Load() {
		return errors.New("writer closed")
	}
	if w.broken {
		w.t.inside.Done()
		w.t.inside.Wait()
		return errors.New("leader not available")
	}
	w.written.Add(int32(len(msgs)))
	return nil
}

func (w *splitWriter) Close() error {
	w.closed.Store(true)
	return nil
}

func TestProducer_ConcurrentReconnectKeepsFreshWriter(t *testing.T) {
	tr := &splitTransport{}
	tr.inside.Add(2)
	p := urbandash.NewProducer(tr, time.Second, urbandash.NopLogger())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Publish(context.Background(), urbandash.TopicRideRequestCreated, ride())
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.writers, 2)
	assert.True(t, tr.writers[0].closed.Load())
	assert.False(t, tr.writers[1].closed.Load())
	assert.EqualValues(t, 2, tr.writers[1].written.Load())
}
