package urbandash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/metrics"
)

// Writer is the subset of *kafka.Writer the pipeline uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the pipeline uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport hands out writers and consumer-group readers.
type Transport interface {
	NewWriter() Writer
	NewReader(groupID string, topic Topic) Reader
	// SeedGroup commits the current log end for every partition of topic the
	// group has never committed, fixing where a new group starts before any
	// of its readers join.
	SeedGroup(ctx context.Context, groupID string, topic Topic) error
}

type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	ClientID          string        `yaml:"client_id"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	Partitions        int           `yaml:"partitions"`
	ReplicationFactor int           `yaml:"replication_factor"`
}

// Client owns the broker connection settings and every reader and writer it
// issues. Close releases all of them.
type Client struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	log    *Logger

	mu      sync.Mutex
	closers []*onceCloser
	closed  bool
}

func NewClient(cfg KafkaConfig, log *Logger) *Client {
	return &Client{
		cfg: cfg,
		dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   cfg.DialTimeout,
			DualStack: true,
		},
		log: log.With("component", "kafka"),
	}
}

// Ping dials the brokers in order and succeeds on the first that returns
// cluster metadata.
func (c *Client) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range c.cfg.Brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, errors.Join(errs...))
}

// EnsureTopics creates each topic and its dead-letter topic on the controller.
// Topics that already exist are left alone.
func (c *Client) EnsureTopics(ctx context.Context, topics ...Topic) error {
	if len(c.cfg.Brokers) == 0 {
		return fmt.Errorf("%w: no brokers configured", ErrBrokerUnavailable)
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("lookup controller: %w", err)
	}
	ctrl, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("%w: controller: %v", ErrBrokerUnavailable, err)
	}
	defer ctrl.Close()

	partitions := c.cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := c.cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	configs := make([]kafka.TopicConfig, 0, len(topics)*2)
	for _, t := range topics {
		configs = append(configs,
			kafka.TopicConfig{Topic: string(t), NumPartitions: partitions, ReplicationFactor: replication},
			kafka.TopicConfig{Topic: string(t.DeadLetter()), NumPartitions: 1, ReplicationFactor: replication},
		)
	}
	if err := ctrl.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	c.log.Info("topics ensured", map[string]any{"count": len(configs), "partitions": partitions})
	return nil
}

// NewWriter returns a writer with no fixed topic; each message names its own.
// A write is acknowledged once the partition leader has it.
func (c *Client) NewWriter() Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(c.cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: c.cfg.WriteTimeout,
		Transport: &kafka.Transport{
			ClientID:    c.cfg.ClientID,
			DialTimeout: c.cfg.DialTimeout,
		},
	}
	return c.track(w)
}

// NewReader joins groupID on topic. A group with no committed offset starts
// at the end of the log rather than replaying history; SeedGroup pins that
// end before the reader joins.
func (c *Client) NewReader(groupID string, topic Topic) Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     groupID,
		Topic:       string(topic),
		Dialer:      c.dialer,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return c.track(r)
}

// SeedGroup fixes the starting offsets of a group that has never committed on
// topic. A reader joins its group in the background, and with LastOffset an
// unseeded group would start wherever the log ends at assignment, skipping
// anything written in between.
func (c *Client) SeedGroup(ctx context.Context, groupID string, topic Topic) error {
	kc := &kafka.Client{
		Addr:    kafka.TCP(c.cfg.Brokers...),
		Timeout: c.cfg.DialTimeout,
		Transport: &kafka.Transport{
			ClientID:    c.cfg.ClientID,
			DialTimeout: c.cfg.DialTimeout,
		},
	}
	name := string(topic)

	meta, err := kc.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{name}})
	if err != nil {
		return fmt.Errorf("%w: metadata for %s: %v", ErrBrokerUnavailable, name, err)
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != name {
			continue
		}
		if t.Error != nil {
			return fmt.Errorf("metadata for %s: %w", name, t.Error)
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return fmt.Errorf("%w: topic %s has no partitions", ErrBrokerUnavailable, name)
	}

	fetched, err := kc.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: groupID,
		Topics:  map[string][]int{name: partitions},
	})
	if err != nil {
		return fmt.Errorf("%w: offsets for %s: %v", ErrBrokerUnavailable, groupID, err)
	}
	if fetched.Error != nil {
		return fmt.Errorf("offsets for %s: %w", groupID, fetched.Error)
	}
	var fresh []kafka.OffsetRequest
	for _, p := range fetched.Topics[name] {
		if p.Error != nil {
			return fmt.Errorf("offsets for %s/%d: %w", groupID, p.Partition, p.Error)
		}
		if p.CommittedOffset < 0 {
			fresh = append(fresh, kafka.LastOffsetOf(p.Partition))
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	ends, err := kc.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{name: fresh},
	})
	if err != nil {
		return fmt.Errorf("%w: log end of %s: %v", ErrBrokerUnavailable, name, err)
	}
	commits := make([]kafka.OffsetCommit, 0, len(fresh))
	for _, p := range ends.Topics[name] {
		if p.Error != nil {
			return fmt.Errorf("log end of %s/%d: %w", name, p.Partition, p.Error)
		}
		commits = append(commits, kafka.OffsetCommit{Partition: p.Partition, Offset: p.LastOffset})
	}

	// Generation -1 commits as a group with no members.
	res, err := kc.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      groupID,
		GenerationID: -1,
		Topics:       map[string][]kafka.OffsetCommit{name: commits},
	})
	if err != nil {
		return fmt.Errorf("%w: seed %s: %v", ErrBrokerUnavailable, groupID, err)
	}
	for _, p := range res.Topics[name] {
		switch {
		case p.Error == nil:
		case errors.Is(p.Error, kafka.IllegalGeneration), errors.Is(p.Error, kafka.UnknownMemberId), errors.Is(p.Error, kafka.RebalanceInProgress):
			// Another member already joined; its assignment fixed the start.
			return nil
		default:
			return fmt.Errorf("seed %s/%d: %w", groupID, p.Partition, p.Error)
		}
	}
	c.log.Info("consumer group seeded at log end", map[string]any{"group": groupID, "topic": name, "partitions": len(commits)})
	return nil
}

func (c *Client) track(v io.Closer) *onceCloser {
	oc := &onceCloser{inner: v}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = oc.Close()
		return oc
	}
	c.closers = append(c.closers, oc)
	return oc
}

// Close closes every reader and writer handed out by c.
func (c *Client) Close() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, oc := range closers {
		if err := oc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onceCloser lets the owner and the client both close a reader or writer.
type onceCloser struct {
	inner io.Closer
	once  sync.Once
	err   error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.inner.Close() })
	return o.err
}

func (o *onceCloser) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return o.inner.(Writer).WriteMessages(ctx, msgs...)
}

func (o *onceCloser) FetchMessage(ctx context.Context) (kafka.Message, error) {
	return o.inner.(Reader).FetchMessage(ctx)
}

func (o *onceCloser) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return o.inner.(Reader).CommitMessages(ctx, msgs...)
}

// Encode validates p and wraps it in a fresh envelope keyed by its aggregate id.
func Encode(topic Topic, p Payload) (kafka.Message, error) {
	if !topic.Valid() {
		return kafka.Message{}, Permanent(fmt.Errorf("%w: unknown topic %q", ErrSerialization, topic))
	}
	if p == nil || p.Topic() != topic {
		return kafka.Message{}, Permanent(fmt.Errorf("%w: payload does not belong on %s", ErrSerialization, topic))
	}
	if err := p.Validate(); err != nil {
		return kafka.Message{}, Permanent(err)
	}
	ev := Event[Payload]{
		ID:        uuid.NewString(),
		Type:      topic.Kind(),
		Payload:   p,
		CreatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, Permanent(fmt.Errorf("%w: %v", ErrSerialization, err))
	}
	return kafka.Message{
		Topic: string(topic),
		Key:   []byte(p.Key()),
		Value: b,
		Time:  ev.CreatedAt,
	}, nil
}

// Ack confirms the broker accepted a message.
type Ack struct {
	Topic string
	Key   string
	At    time.Time
}

// Producer publishes events over a writer it opens on first use and keeps for
// the life of the process. A failed write reconnects once and retries before
// the error reaches the caller.
type Producer struct {
	transport Transport
	timeout   time.Duration
	log       *Logger

	mu sync.Mutex
	w  Writer
}

func NewProducer(t Transport, timeout time.Duration, log *Logger) *Producer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Producer{transport: t, timeout: timeout, log: log.With("component", "producer")}
}

// Publish encodes p and sends it to topic.
func (p *Producer) Publish(ctx context.Context, topic Topic, payload Payload) (Ack, error) {
	msg, err := Encode(topic, payload)
	if err != nil {
		p.log.Error("publish rejected", map[string]any{"topic": string(topic), "err": err.Error()})
		return Ack{}, err
	}
	return p.Send(ctx, msg)
}

// Send writes an already encoded message.
func (p *Producer) Send(ctx context.Context, msg kafka.Message) (Ack, error) {
	w, err := p.attempt(ctx, msg)
	if err != nil {
		p.log.Warn("publish failed, reconnecting", map[string]any{"topic": msg.Topic, "err": err.Error()})
		p.reset(w)
		_, err = p.attempt(ctx, msg)
	}
	if err != nil {
		metrics.EventsPublished.WithLabelValues(msg.Topic, "error").Inc()
		p.log.Error("publish failed", map[string]any{"topic": msg.Topic, "key": string(msg.Key), "err": err.Error()})
		return Ack{}, fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, msg.Topic, err)
	}
	metrics.EventsPublished.WithLabelValues(msg.Topic, "ok").Inc()
	p.log.Debug("message published", map[string]any{"topic": msg.Topic, "key": string(msg.Key)})
	return Ack{Topic: msg.Topic, Key: string(msg.Key), At: time.Now().UTC()}, nil
}

func (p *Producer) attempt(ctx context.Context, msg kafka.Message) (Writer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	w := p.writer()
	return w, w.WriteMessages(ctx, msg)
}

func (p *Producer) writer() Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		p.w = p.transport.NewWriter()
	}
	return p.w
}

// reset drops failed if it is still the current writer. A concurrent Send may
// already have replaced it, and that replacement must stay open.
func (p *Producer) reset(failed Writer) {
	p.mu.Lock()
	if p.w != failed {
		p.mu.Unlock()
		return
	}
	p.w = nil
	p.mu.Unlock()
	_ = failed.Close()
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}
