// Package journal records session and topic route lifecycle events to a
// Kafka topic.
//
// Every event becomes one JSON record keyed by its session, so all events of
// one session land in one partition in emission order. Listener calls only
// enqueue into a bounded buffer drained by a background goroutine; when the
// buffer is full the event is dropped and counted as failed, so a stalled
// Kafka cluster never blocks the observer or the listeners after the journal.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/observer"
	"github.com/partition-router/prouter/internal/routing"
)

// DefaultTopic is the Kafka topic events are written to.
const DefaultTopic = "prouter.lifecycle"

// HeaderEvent carries the event kind on every record.
const HeaderEvent = "event"

// DefaultBuffer is the number of events queued before new ones are dropped.
const DefaultBuffer = 1024

var (
	// ErrNilProducer is returned when no producer is supplied.
	ErrNilProducer = errors.New("journal: nil producer")

	// ErrNoBrokers is returned when a client is requested without brokers.
	ErrNoBrokers = errors.New("journal: no seed brokers")

	// ErrClosed is returned by Flush after Close.
	ErrClosed = errors.New("journal: closed")
)

// Producer is the part of *kgo.Client the journal uses. TryProduce must not
// wait for buffer space; kgo fails the promise with kgo.ErrMaxBuffered.
type Producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
}

// Event is the JSON value of a journal record.
type Event struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Topic     string    `json:"topic"`
	Partition string    `json:"partition"`
	Direction string    `json:"direction,omitempty"`
	Type      string    `json:"type,omitempty"`
}

// Config configures a Journal.
type Config struct {
	Topic      string
	InstanceID string
	// Buffer is the queue length; zero means DefaultBuffer.
	Buffer int
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Journal is an observer.Listener writing events to Kafka.
type Journal struct {
	producer Producer
	topic    string
	instance string
	logger   *logging.Logger
	now      func() time.Time

	queue     chan item
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	produced atomic.Int64
	failed   atomic.Int64
	dropping atomic.Bool
}

// item is a queued record, or a flush marker when flushed is set.
type item struct {
	rec     *kgo.Record
	flushed chan struct{}
}

// New creates a Journal. An empty topic means DefaultTopic.
func New(producer Producer, cfg Config, opts ...Option) (*Journal, error) {
	if producer == nil {
		return nil, ErrNilProducer
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	j := &Journal{
		producer: producer,
		topic:    cfg.Topic,
		instance: cfg.InstanceID,
		now:      time.Now,
		queue:    make(chan item, buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if j.topic == "" {
		j.topic = DefaultTopic
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = logging.Global()
	}
	j.logger = j.logger.WithComponent("journal")
	go j.run()
	return j, nil
}

// CreateSession implements observer.Listener.
func (j *Journal) CreateSession(s routing.Session) {
	j.record(observer.Event{Kind: observer.CreateSession, Session: s})
}

// DeleteSession implements observer.Listener.
func (j *Journal) DeleteSession(s routing.Session) {
	j.record(observer.Event{Kind: observer.DeleteSession, Session: s})
}

// CreateTopicRoute implements observer.Listener.
func (j *Journal) CreateTopicRoute(s routing.Session, r routing.TopicRoute) {
	j.record(observer.Event{Kind: observer.CreateTopicRoute, Session: s, Route: r})
}

// DeleteTopicRoute implements observer.Listener.
func (j *Journal) DeleteTopicRoute(s routing.Session, r routing.TopicRoute) {
	j.record(observer.Event{Kind: observer.DeleteTopicRoute, Session: s, Route: r})
}

// Stats returns the number of records acknowledged and failed so far.
// Dropped events count as failed.
func (j *Journal) Stats() (produced, failed int64) {
	return j.produced.Load(), j.failed.Load()
}

// Flush waits until every event recorded before the call has been handed to
// the producer, then for the producer to acknowledge them.
func (j *Journal) Flush(ctx context.Context) error {
	marker := item{flushed: make(chan struct{})}
	select {
	case j.queue <- marker:
	case <-j.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
	case <-j.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return j.producer.Flush(ctx)
}

// Close stops the background goroutine. Queued events are dropped; call
// Flush first to deliver them. The producer is not closed.
func (j *Journal) Close() {
	j.closeOnce.Do(func() { close(j.stop) })
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case <-j.stop:
			return
		case it := <-j.queue:
			if it.flushed != nil {
				close(it.flushed)
				continue
			}
			j.producer.TryProduce(context.Background(), it.rec, j.acknowledge)
		}
	}
}

func (j *Journal) acknowledge(r *kgo.Record, err error) {
	if err != nil {
		j.failed.Add(1)
		kind := ""
		if len(r.Headers) > 0 {
			kind = string(r.Headers[0].Value)
		}
		j.logger.Warnf("failed to produce journal event", map[string]any{
			"kind":  kind,
			"key":   string(r.Key),
			"error": err.Error(),
		})
		return
	}
	j.produced.Add(1)
	j.dropping.Store(false)
}

func (j *Journal) record(ev observer.Event) {
	entry := Event{
		ID:        uuid.NewString(),
		Instance:  j.instance,
		Time:      j.now().UTC(),
		Kind:      ev.Kind.String(),
		Topic:     ev.Session.Topic,
		Partition: ev.Session.Partition,
	}
	if ev.Kind == observer.CreateTopicRoute || ev.Kind == observer.DeleteTopicRoute {
		entry.Direction = ev.Route.Direction.String()
		entry.Type = ev.Route.Type
	}

	value, err := json.Marshal(entry)
	if err != nil {
		j.failed.Add(1)
		j.logger.Errorf("failed to encode journal event", map[string]any{"error": err.Error()})
		return
	}

	rec := &kgo.Record{
		Topic: j.topic,
		Key:   []byte(ev.Session.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEvent, Value: []byte(entry.Kind)},
		},
	}
	select {
	case <-j.stop:
	case j.queue <- item{rec: rec}:
	default:
		j.failed.Add(1)
		// Warn once per outage rather than once per event.
		if !j.dropping.Swap(true) {
			j.logger.Warnf("journal buffer full, dropping events", map[string]any{
				"id":     entry.ID,
				"kind":   entry.Kind,
				"buffer": cap(j.queue),
			})
		}
	}
}

// KafkaConfig configures the Kafka client backing a Journal.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewClient creates a franz-go client producing to cfg.Topic.
func NewClient(cfg KafkaConfig) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(topic),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to create kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopic creates topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("journal: create topic %s: %w", topic, err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("journal: create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}
