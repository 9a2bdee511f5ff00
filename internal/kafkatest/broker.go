// Package kafkatest is an in-memory stand-in for a Kafka cluster: partitioned
// topics, consumer groups with committed offsets, and readers that redeliver
// everything after the last commit when a group member (re)joins.
//
// Like a kafka-go group reader, a reader joins on its first fetch, not when
// it is created. A group that has never been seeded or committed starts at
// the log end as of that join.
package kafkatest

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

// ErrUnavailable is returned by writers while failures are injected.
var ErrUnavailable = errors.New("kafkatest: broker unavailable")

type Broker struct {
	partitions int

	mu         sync.Mutex
	topics     map[string][][]kafka.Message
	groups     map[string]*group
	changed    chan struct{}
	failWrites int
	writes     int
	joinDelay  time.Duration
}

type group struct {
	next      []int64
	committed []int64
}

func NewBroker(partitions int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		topics:     make(map[string][][]kafka.Message),
		groups:     make(map[string]*group),
		changed:    make(chan struct{}),
	}
}

// FailNextWrites makes the next n WriteMessages calls fail with ErrUnavailable.
func (b *Broker) FailNextWrites(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites = n
}

// WriteAttempts counts WriteMessages calls, failed ones included.
func (b *Broker) WriteAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// Messages returns everything written to topic, in partition then offset order.
func (b *Broker) Messages(topic string) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafka.Message
	for _, p := range b.topics[topic] {
		out = append(out, p...)
	}
	return out
}

// Committed returns the committed offset of each partition for a group.
func (b *Broker) Committed(groupID string, topic urbandash.Topic) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupKey(groupID, string(topic))]
	if !ok {
		return nil
	}
	return append([]int64(nil), g.committed...)
}

// Lag is the number of messages in topic not yet committed by groupID.
func (b *Broker) Lag(groupID string, topic urbandash.Topic) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupKey(groupID, string(topic))]
	if !ok {
		return 0
	}
	var lag int64
	for p, msgs := range b.topic(string(topic)) {
		lag += int64(len(msgs)) - g.committed[p]
	}
	return lag
}

func (b *Broker) NewWriter() urbandash.Writer {
	return &writer{b: b}
}

// DelayJoins holds every reader's group join for d after its first fetch,
// the way a real group waits for partition assignment.
func (b *Broker) DelayJoins(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinDelay = d
}

func (b *Broker) NewReader(groupID string, topic urbandash.Topic) urbandash.Reader {
	return &reader{b: b, key: groupKey(groupID, string(topic)), topic: string(topic), closed: make(chan struct{})}
}

// SeedGroup commits the log end for a group that has no offsets yet.
func (b *Broker) SeedGroup(ctx context.Context, groupID string, topic urbandash.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.group(groupKey(groupID, string(topic)), string(topic))
	return nil
}

// group returns the group state, creating it at the current log end.
// Caller holds b.mu.
func (b *Broker) group(key, topic string) *group {
	if g, ok := b.groups[key]; ok {
		return g
	}
	g := &group{next: make([]int64, b.partitions), committed: make([]int64, b.partitions)}
	for p, msgs := range b.topic(topic) {
		g.committed[p] = int64(len(msgs))
	}
	b.groups[key] = g
	return g
}

// join resets the group's fetch position to its committed offsets.
func (r *reader) join(ctx context.Context) error {
	r.b.mu.Lock()
	delay := r.b.joinDelay
	r.b.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return io.EOF
		case <-time.After(delay):
		}
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.g = r.b.group(r.key, r.topic)
	copy(r.g.next, r.g.committed)
	return nil
}

func (b *Broker) topic(name string) [][]kafka.Message {
	parts, ok := b.topics[name]
	if !ok {
		parts = make([][]kafka.Message, b.partitions)
		b.topics[name] = parts
	}
	return parts
}

func (b *Broker) partitionFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func groupKey(groupID, topic string) string { return groupID + "\x00" + topic }

type writer struct {
	b *Broker
}

func (w *writer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	if b.failWrites > 0 {
		b.failWrites--
		return ErrUnavailable
	}
	for _, m := range msgs {
		if m.Topic == "" {
			return errors.New("kafkatest: message has no topic")
		}
		parts := b.topic(m.Topic)
		p := b.partitionFor(m.Key)
		m.Partition = p
		m.Offset = int64(len(parts[p]))
		if m.Time.IsZero() {
			m.Time = time.Now()
		}
		parts[p] = append(parts[p], m)
	}
	b.notify()
	return nil
}

func (w *writer) Close() error { return nil }

type reader struct {
	b      *Broker
	key    string
	g      *group
	topic  string
	rr     int
	once   sync.Once
	closed chan struct{}
}

func (r *reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.g == nil {
		if err := r.join(ctx); err != nil {
			return kafka.Message{}, err
		}
	}
	for {
		r.b.mu.Lock()
		parts := r.b.topic(r.topic)
		for i := 0; i < len(parts); i++ {
			p := (r.rr + i) % len(parts)
			if next := r.g.next[p]; next < int64(len(parts[p])) {
				r.g.next[p] = next + 1
				r.rr = p + 1
				m := parts[p][next]
				r.b.mu.Unlock()
				return m, nil
			}
		}
		changed := r.b.changed
		r.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-r.closed:
			return kafka.Message{}, io.EOF
		case <-changed:
		}
	}
}

func (r *reader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > r.g.committed[m.Partition] {
			r.g.committed[m.Partition] = m.Offset + 1
		}
	}
	return nil
}

func (r *reader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
