package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/routing"
)

// fakeProducer acknowledges records synchronously, failing when err is set.
// When block is set, TryProduce waits for it to be closed first.
type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	flushed int
	block   chan struct{}
}

func (f *fakeProducer) TryProduce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.err
	f.mu.Unlock()
	promise(r, err)
}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

func (f *fakeProducer) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

var (
	square    = routing.Session{Topic: "Square", Partition: "A"}
	squareOut = routing.TopicRoute{Direction: routing.DirectionOut, Topic: "Square", Type: "ShapeType"}
)

func TestJournalRecords(t *testing.T) {
	producer := &fakeProducer{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j, err := New(producer, Config{InstanceID: "ctl-1"},
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	defer j.Close()

	j.CreateSession(square)
	j.CreateTopicRoute(square, squareOut)
	j.DeleteTopicRoute(square, squareOut)
	j.DeleteSession(square)

	require.NoError(t, j.Flush(context.Background()))
	assert.Equal(t, 1, producer.flushed)

	records := producer.produced()
	require.Len(t, records, 4)
	kinds := make([]string, 0, 4)
	for _, r := range records {
		assert.Equal(t, DefaultTopic, r.Topic)
		assert.Equal(t, "Square(A)", string(r.Key))
		require.Len(t, r.Headers, 1)
		assert.Equal(t, HeaderEvent, r.Headers[0].Key)

		var ev Event
		require.NoError(t, json.Unmarshal(r.Value, &ev))
		_, err := uuid.Parse(ev.ID)
		assert.NoError(t, err)
		assert.Equal(t, "ctl-1", ev.Instance)
		assert.True(t, at.Equal(ev.Time))
		assert.Equal(t, string(r.Headers[0].Value), ev.Kind)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"create_session", "create_topic_route", "delete_topic_route", "delete_session"}, kinds)

	var route Event
	require.NoError(t, json.Unmarshal(records[1].Value, &route))
	assert.Equal(t, "OUT", route.Direction)
	assert.Equal(t, "ShapeType", route.Type)

	produced, failed := j.Stats()
	assert.Equal(t, int64(4), produced)
	assert.Equal(t, int64(0), failed)
}

func TestJournalProduceFailure(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	j, err := New(producer, Config{Topic: "custom"}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer j.Close()

	assert.NotPanics(t, func() { j.CreateSession(square) })
	require.NoError(t, j.Flush(context.Background()))
	records := producer.produced()
	require.Len(t, records, 1)
	assert.Equal(t, "custom", records[0].Topic)

	produced, failed := j.Stats()
	assert.Equal(t, int64(0), produced)
	assert.Equal(t, int64(1), failed)
}

func TestJournalProducerBufferFull(t *testing.T) {
	producer := &fakeProducer{err: kgo.ErrMaxBuffered}
	j, err := New(producer, Config{}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer j.Close()

	j.CreateSession(square)
	j.CreateTopicRoute(square, squareOut)
	require.NoError(t, j.Flush(context.Background()))

	produced, failed := j.Stats()
	assert.Equal(t, int64(0), produced)
	assert.Equal(t, int64(2), failed)
}

func TestJournalDropsWhenProducerStalls(t *testing.T) {
	producer := &fakeProducer{block: make(chan struct{})}
	j, err := New(producer, Config{Buffer: 2}, WithLogger(logging.Nop()))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			j.CreateSession(routing.Session{Topic: "Square", Partition: string(rune('A' + i))})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recording blocked on a stalled producer")
	}

	// At most one event is in the producer and two are queued.
	_, failed := j.Stats()
	assert.GreaterOrEqual(t, failed, int64(7))

	close(producer.block)
	require.NoError(t, j.Flush(context.Background()))
	produced, failed := j.Stats()
	assert.Equal(t, int64(10), produced+failed)

	j.Close()
	assert.ErrorIs(t, j.Flush(context.Background()), ErrClosed)
}

func TestJournalValidation(t *testing.T) {
	_, err := New(nil, Config{})
	assert.ErrorIs(t, err, ErrNilProducer)

	_, err = NewClient(KafkaConfig{})
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestNewClient(t *testing.T) {
	// kgo does not connect until the first request.
	client, err := NewClient(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, ClientID: "prouter-test"})
	require.NoError(t, err)
	client.Close()
}
