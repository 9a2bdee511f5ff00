// Package consumer runs consumer-group subscriptions: one long-lived fetch
// loop per subscription, one message in flight at a time, offsets committed
// only after the handler succeeds. Failed messages are retried in place with
// backoff and dead-lettered once retries run out.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/metrics"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// Handler processes one message. It must be idempotent: a message may be
// handled again after a crash or a failed commit.
type Handler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

type HandlerFunc func(ctx context.Context, msg kafka.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg kafka.Message) error { return f(ctx, msg) }

// Typed decodes the event envelope and hands the payload to fn. Messages that
// do not decode are permanent failures.
func Typed[T urbandash.Payload](fn func(ctx context.Context, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg kafka.Message) error {
		ev, err := urbandash.DecodeEvent[T](msg.Value)
		if err != nil {
			return err
		}
		return fn(ctx, ev.Payload)
	})
}

type Options struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

func DefaultOptions() Options {
	return Options{
		HandlerTimeout: 10 * time.Second,
		MaxAttempts:    8,
		Backoff:        500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// backoff returns the wait after the given failed attempt (1-indexed).
func (o Options) backoff(attempt int) time.Duration {
	d := o.Backoff
	for i := 1; i < attempt && d < o.MaxBackoff; i++ {
		d *= 2
	}
	if o.MaxBackoff > 0 && d > o.MaxBackoff {
		d = o.MaxBackoff
	}
	return d
}

// RetryBudget is the total backoff a message waits between its first and its
// last attempt before it is dead-lettered.
func (o Options) RetryBudget() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < o.MaxAttempts; attempt++ {
		total += o.backoff(attempt)
	}
	return total
}

// Runtime creates subscriptions that share a transport, a dead-letter writer
// and an attempt ledger.
type Runtime struct {
	transport urbandash.Transport
	ledger    Ledger
	opts      Options
	log       *urbandash.Logger

	dlqOnce sync.Once
	dlq     urbandash.Writer
}

func NewRuntime(t urbandash.Transport, ledger Ledger, opts Options, log *urbandash.Logger) *Runtime {
	def := DefaultOptions()
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = def.HandlerTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Runtime{transport: t, ledger: ledger, opts: opts, log: log.With("component", "consumer")}
}

func (r *Runtime) deadLetterWriter() urbandash.Writer {
	r.dlqOnce.Do(func() { r.dlq = r.transport.NewWriter() })
	return r.dlq
}

// Close releases the dead-letter writer. Subscriptions are stopped separately.
func (r *Runtime) Close() error {
	var err error
	r.dlqOnce.Do(func() {})
	if r.dlq != nil {
		err = r.dlq.Close()
	}
	return err
}

// Subscription is a running fetch loop for one group on one topic.
type Subscription struct {
	GroupID string
	Topic   urbandash.Topic

	rt      *Runtime
	reader  urbandash.Reader
	handler Handler
	log     *urbandash.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe seeds groupID on topic, then starts consuming in the background
// until ctx is cancelled or Stop is called. Once it returns, every message
// written to topic reaches the group, even if the reader has not been
// assigned partitions yet.
func (r *Runtime) Subscribe(ctx context.Context, groupID string, topic urbandash.Topic, h Handler) (*Subscription, error) {
	if err := r.transport.SeedGroup(ctx, groupID, topic); err != nil {
		return nil, fmt.Errorf("seed group %s on %s: %w", groupID, topic, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		GroupID: groupID,
		Topic:   topic,
		rt:      r,
		reader:  r.transport.NewReader(groupID, topic),
		handler: h,
		log:     r.log.With("group", groupID).With("topic", string(topic)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	s.log.Info("consumer subscribed", nil)
	return s, nil
}

// Stop cancels the loop, waits for the in-flight message and closes the reader.
func (s *Subscription) Stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Wait blocks until the loop exits.
func (s *Subscription) Wait() error {
	<-s.done
	return nil
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.log.Error("fetch failed", map[string]any{"err": err.Error()})
			if sleep(ctx, 500*time.Millisecond) != nil {
				return
			}
			continue
		}
		if err := s.process(ctx, m); err != nil {
			// Only cancellation stops processing; the message stays
			// uncommitted and is redelivered to the next group member.
			return
		}
	}
}

func (s *Subscription) process(ctx context.Context, m kafka.Message) error {
	key := ledgerKey(s.GroupID, m)
	fields := map[string]any{"partition": m.Partition, "offset": m.Offset, "key": string(m.Key)}
	for {
		attempt, err := s.rt.ledger.Incr(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("attempt ledger unavailable", map[string]any{"err": err.Error()})
			attempt = 1
		}

		herr := s.invoke(ctx, m)
		if herr == nil {
			metrics.MessagesHandled.WithLabelValues(s.GroupID, string(s.Topic), "ok").Inc()
			return s.commit(ctx, m, key)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		herr = &urbandash.HandlerError{Group: s.GroupID, Topic: m.Topic, Partition: m.Partition, Offset: m.Offset, Err: herr}
		metrics.MessagesHandled.WithLabelValues(s.GroupID, string(s.Topic), "error").Inc()
		if urbandash.IsPermanent(herr) || attempt >= s.rt.opts.MaxAttempts {
			if err := s.deadLetter(ctx, m, herr, attempt); err != nil {
				return err
			}
			return s.commit(ctx, m, key)
		}

		wait := s.rt.opts.backoff(attempt)
		s.log.Warn("handler failed, retrying", merge(fields, map[string]any{
			"attempt": attempt, "retry_in": wait.String(), "err": herr.Error(),
		}))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Subscription) invoke(ctx context.Context, m kafka.Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.rt.opts.HandlerTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(s.GroupID, string(s.Topic)).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, m)
}

func (s *Subscription) commit(ctx context.Context, m kafka.Message, key string) error {
	if err := s.reader.CommitMessages(ctx, m); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Uncommitted messages come back after a rebalance; handlers are idempotent.
		s.log.Error("commit failed", map[string]any{"partition": m.Partition, "offset": m.Offset, "err": err.Error()})
	}
	if err := s.rt.ledger.Reset(ctx, key); err != nil {
		s.log.Warn("attempt ledger reset failed", map[string]any{"err": err.Error()})
	}
	return nil
}

// deadLetter copies m to the topic's dead-letter topic, retrying the write
// until it succeeds or ctx ends so the message is never dropped.
func (s *Subscription) deadLetter(ctx context.Context, m kafka.Message, cause error, attempts int) error {
	dl := kafka.Message{
		Topic: string(urbandash.Topic(m.Topic).DeadLetter()),
		Key:   m.Key,
		Value: m.Value,
		Headers: append(append([]kafka.Header(nil), m.Headers...),
			kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
			kafka.Header{Key: "x-attempts", Value: []byte(strconv.Itoa(attempts))},
			kafka.Header{Key: "x-group", Value: []byte(s.GroupID)},
			kafka.Header{Key: "x-original-partition", Value: []byte(strconv.Itoa(m.Partition))},
			kafka.Header{Key: "x-original-offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
		),
		Time: time.Now().UTC(),
	}
	for try := 1; ; try++ {
		err := s.rt.deadLetterWriter().WriteMessages(ctx, dl)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("dead-letter write failed", map[string]any{"offset": m.Offset, "err": err.Error()})
		if err := sleep(ctx, s.rt.opts.backoff(try)); err != nil {
			return err
		}
	}
	metrics.DeadLettered.WithLabelValues(s.GroupID, string(s.Topic)).Inc()
	s.log.Error("message dead-lettered", map[string]any{
		"partition": m.Partition, "offset": m.Offset, "attempts": attempts, "err": cause.Error(),
	})
	return nil
}

func ledgerKey(groupID string, m kafka.Message) string {
	return fmt.Sprintf("%s/%s/%d/%d", groupID, m.Topic, m.Partition, m.Offset)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
