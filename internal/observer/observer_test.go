package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partition-router/prouter/internal/filter"
	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/metrics"
	"github.com/partition-router/prouter/internal/routing"
)

// recorder is a Listener that records events as compact strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) CreateSession(s routing.Session) { r.record("+S " + s.String()) }
func (r *recorder) DeleteSession(s routing.Session) { r.record("-S " + s.String()) }
func (r *recorder) CreateTopicRoute(s routing.Session, rt routing.TopicRoute) {
	r.record("+R " + s.String() + " " + rt.String())
}
func (r *recorder) DeleteTopicRoute(s routing.Session, rt routing.TopicRoute) {
	r.record("-R " + s.String() + " " + rt.String())
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newTestObserver(t *testing.T, opts ...Option) (*Observer, *recorder) {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	o := New(opts...)
	rec := &recorder{}
	require.NoError(t, o.AddListener(rec))
	t.Cleanup(o.Close)
	return o, rec
}

func flush(t *testing.T, o *Observer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Flush(ctx))
}

func pub(handle, topic string, partitions ...string) routing.Participant {
	return routing.Participant{
		Handle:     routing.Handle(handle),
		Direction:  routing.DirectionOut,
		Topic:      topic,
		Type:       "ShapeType",
		Partitions: partitions,
	}
}

func sub(handle, topic string, partitions ...string) routing.Participant {
	p := pub(handle, topic, partitions...)
	p.Direction = routing.DirectionIn
	return p
}

func TestDiscoveredThenLostDefaultPartition(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square()",
		"+R Square() Square(ShapeType)-OUT",
	}, rec.take())

	o.Lost(pub("p1", "Square"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square() Square(ShapeType)-OUT",
		"-S Square()",
	}, rec.take())

	assert.Empty(t, o.Sessions())
}

func TestDiscoveredIsIdempotent(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	o.Discovered(pub("p1", "Square", "A"))
	flush(t, o)

	assert.Len(t, rec.take(), 2)
	s := routing.Session{Topic: "Square", Partition: "A"}
	assert.Equal(t, []routing.Handle{"p1"}, o.Holders(s, pub("p1", "Square").Route()))

	// One lost releases the single reference.
	o.Lost(pub("p1", "Square", "A"))
	flush(t, o)
	assert.Len(t, rec.take(), 2)
	assert.Empty(t, o.Sessions())
}

func TestLostOnAbsentIsNoop(t *testing.T) {
	o, rec := newTestObserver(t)

	assert.NotPanics(t, func() {
		o.Lost(pub("ghost", "Square", "A"))
		o.Lost(pub("ghost", "Square"))
	})

	o.Discovered(pub("p1", "Square", "A"))
	flush(t, o)
	rec.take()

	// Same session, unknown handle.
	o.Lost(pub("p2", "Square", "A"))
	// Same session, route never created.
	o.Lost(sub("p1", "Square", "A"))
	// Lost twice.
	o.Lost(pub("p1", "Square", "A"))
	o.Lost(pub("p1", "Square", "A"))
	flush(t, o)

	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"-S Square(A)",
	}, rec.take())
}

func TestSharedRouteTwoHandles(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	o.Discovered(pub("p2", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square(A)",
		"+R Square(A) Square(ShapeType)-OUT",
	}, rec.take())

	o.Lost(pub("p1", "Square", "A"))
	flush(t, o)
	assert.Empty(t, rec.take(), "deletes must wait for the last holder")

	o.Lost(pub("p2", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"-S Square(A)",
	}, rec.take())
}

func TestMultiplePartitionsAreIndependent(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A", "B"))
	o.Discovered(pub("p2", "Square", "B"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square(A)",
		"+R Square(A) Square(ShapeType)-OUT",
		"+S Square(B)",
		"+R Square(B) Square(ShapeType)-OUT",
	}, rec.take())

	o.Lost(pub("p1", "Square", "A", "B"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"-S Square(A)",
	}, rec.take())
	assert.Equal(t, []routing.Session{{Topic: "Square", Partition: "B"}}, o.Sessions())
}

func TestPublisherAndSubscriberShareSession(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	o.Discovered(sub("s1", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square(A)",
		"+R Square(A) Square(ShapeType)-OUT",
		"+R Square(A) Square(ShapeType)-IN",
	}, rec.take())

	o.Lost(pub("p1", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{"-R Square(A) Square(ShapeType)-OUT"}, rec.take())

	o.Lost(sub("s1", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-IN",
		"-S Square(A)",
	}, rec.take())
}

func TestModifiedMovesPartition(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	o.Discovered(pub("p9", "Circle", "A"))
	flush(t, o)
	rec.take()

	o.Modified(pub("p1", "Square", "B"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"-S Square(A)",
		"+S Square(B)",
		"+R Square(B) Square(ShapeType)-OUT",
	}, rec.take())

	assert.Equal(t, []routing.Session{
		{Topic: "Circle", Partition: "A"},
		{Topic: "Square", Partition: "B"},
	}, o.Sessions())
}

func TestModifiedKeepsSharedSession(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	o.Discovered(pub("p2", "Square", "A"))
	flush(t, o)
	rec.take()

	o.Modified(pub("p1", "Square", "B"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square(B)",
		"+R Square(B) Square(ShapeType)-OUT",
	}, rec.take())
}

func TestModifiedUnchangedPartitionsFireNothing(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A", "B"))
	flush(t, o)
	rec.take()

	o.Modified(pub("p1", "Square", "B", "A"))
	flush(t, o)
	assert.Empty(t, rec.take())

	o.Modified(pub("p1", "Square", "A", "B", "C"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square(C)",
		"+R Square(C) Square(ShapeType)-OUT",
	}, rec.take())
}

func TestModifiedToDefaultPartition(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	flush(t, o)
	rec.take()

	o.Modified(pub("p1", "Square"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"-S Square(A)",
		"+S Square()",
		"+R Square() Square(ShapeType)-OUT",
	}, rec.take())
}

func TestModifiedUnknownHandleActsAsDiscovered(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Modified(pub("p1", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square(A)",
		"+R Square(A) Square(ShapeType)-OUT",
	}, rec.take())
}

func TestLostWithStalePartitionList(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	o.Modified(pub("p1", "Square", "B"))
	flush(t, o)
	rec.take()

	// The lost record still carries the original partition list.
	o.Lost(pub("p1", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(B) Square(ShapeType)-OUT",
		"-S Square(B)",
	}, rec.take())
	assert.Empty(t, o.Sessions())
}

func TestHandleUsedForBothDirections(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("h", "Square", "A"))
	o.Discovered(sub("h", "Square", "A"))
	flush(t, o)
	rec.take()

	// The publisher leaving A must not hide the subscriber's hold on A.
	o.Modified(pub("h", "Square", "B"))
	o.Modified(sub("h", "Square", "C"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"+S Square(B)",
		"+R Square(B) Square(ShapeType)-OUT",
		"-R Square(A) Square(ShapeType)-IN",
		"-S Square(A)",
		"+S Square(C)",
		"+R Square(C) Square(ShapeType)-IN",
	}, rec.take())

	// Each direction is released on its own, even with stale partition lists.
	o.Lost(sub("h", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(C) Square(ShapeType)-IN",
		"-S Square(C)",
	}, rec.take())
	assert.Equal(t, []routing.Session{{Topic: "Square", Partition: "B"}}, o.Sessions())

	o.Lost(pub("h", "Square", "A"))
	flush(t, o)
	assert.Empty(t, o.Sessions())
}

func TestModifiedReleasesPreviousRoute(t *testing.T) {
	o, rec := newTestObserver(t)

	o.Discovered(pub("p1", "Square", "A"))
	flush(t, o)
	rec.take()

	changed := pub("p1", "Square", "A")
	changed.Type = "ShapeTypeExtended"
	o.Modified(changed)
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeType)-OUT",
		"-S Square(A)",
		"+S Square(A)",
		"+R Square(A) Square(ShapeTypeExtended)-OUT",
	}, rec.take())

	moved := pub("p1", "Circle", "A")
	o.Modified(moved)
	flush(t, o)
	assert.Equal(t, []string{
		"-R Square(A) Square(ShapeTypeExtended)-OUT",
		"-S Square(A)",
		"+S Circle(A)",
		"+R Circle(A) Circle(ShapeType)-OUT",
	}, rec.take())

	// Lost with the original record still releases what the handle holds now.
	o.Lost(pub("p1", "Square", "A"))
	flush(t, o)
	assert.Equal(t, []string{
		"-R Circle(A) Circle(ShapeType)-OUT",
		"-S Circle(A)",
	}, rec.take())
	assert.Empty(t, o.Sessions())
}

func TestFilters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewObserverMetricsWithRegistry(reg)
	o, rec := newTestObserver(t, WithMetrics(m))

	require.NoError(t, o.AddFilter(filter.TopicPrefix{Prefixes: filter.DefaultIgnoredTopicPrefixes}))
	glob, err := filter.NewPartitionGlob("private*")
	require.NoError(t, err)
	require.NoError(t, o.AddFilter(glob))

	o.Discovered(pub("p1", "rti/distlog", "A"))
	o.Discovered(pub("p2", "Square", "private1", "A"))
	flush(t, o)

	assert.Equal(t, []string{
		"+S Square(A)",
		"+R Square(A) Square(ShapeType)-OUT",
	}, rec.take())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ignored.WithLabelValues(metrics.IgnoredParticipant)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ignored.WithLabelValues(metrics.IgnoredPartition)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Routes))
}

func TestCloseResetsGauges(t *testing.T) {
	m := metrics.NewObserverMetricsWithRegistry(prometheus.NewRegistry())
	o, _ := newTestObserver(t, WithMetrics(m))

	o.Discovered(pub("p1", "Square", "A", "B"))
	flush(t, o)
	require.Equal(t, 2.0, testutil.ToFloat64(m.Sessions))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Routes))

	o.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Routes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues(metrics.EventCreateSession)))
}

func TestAllPartitionsFilteredCreatesNothing(t *testing.T) {
	o, rec := newTestObserver(t)
	require.NoError(t, o.AddFilter(filter.Func{Partition: func(string, string) bool { return true }}))

	o.Discovered(pub("p1", "Square", "A", "B"))
	flush(t, o)
	assert.Empty(t, rec.take())
}

func TestNilRegistrations(t *testing.T) {
	o := New(WithLogger(logging.Nop()))
	defer o.Close()

	assert.True(t, errors.Is(o.AddListener(nil), ErrNilListener))
	assert.True(t, errors.Is(o.AddFilter(nil), filter.ErrNilFilter))
}

// blockingListener blocks in CreateSession until released.
type blockingListener struct {
	recorder
	release chan struct{}
}

func (b *blockingListener) CreateSession(s routing.Session) {
	<-b.release
	b.recorder.CreateSession(s)
}

func TestSlowListenerDoesNotBlockIngestion(t *testing.T) {
	o := New(WithLogger(logging.Nop()))
	defer o.Close()

	bl := &blockingListener{release: make(chan struct{})}
	require.NoError(t, o.AddListener(bl))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			o.Discovered(pub(fmt.Sprintf("p%d", i), "Square", fmt.Sprintf("P%d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ingestion blocked behind a slow listener")
	}
	assert.Len(t, o.Sessions(), 100)

	close(bl.release)
	flush(t, o)
	events := bl.take()
	require.Len(t, events, 200)
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprintf("+S Square(P%d)", i), events[2*i])
	}
}

type panickingListener struct{}

func (panickingListener) CreateSession(routing.Session)                       { panic("boom") }
func (panickingListener) DeleteSession(routing.Session)                       {}
func (panickingListener) CreateTopicRoute(routing.Session, routing.TopicRoute) {}
func (panickingListener) DeleteTopicRoute(routing.Session, routing.TopicRoute) {}

func TestPanickingListenerIsIsolated(t *testing.T) {
	o := New(WithLogger(logging.Nop()))
	defer o.Close()

	require.NoError(t, o.AddListener(panickingListener{}))
	rec := &recorder{}
	require.NoError(t, o.AddListener(rec))

	o.Discovered(pub("p1", "Square"))
	flush(t, o)
	assert.Equal(t, []string{
		"+S Square()",
		"+R Square() Square(ShapeType)-OUT",
	}, rec.take())
}

func TestCloseStopsDelivery(t *testing.T) {
	o := New(WithLogger(logging.Nop()))
	rec := &recorder{}
	require.NoError(t, o.AddListener(rec))

	o.Close()
	o.Close()

	o.Discovered(pub("p1", "Square"))
	assert.Empty(t, o.Sessions())
	assert.ErrorIs(t, o.Flush(context.Background()), ErrClosed)
	assert.Empty(t, rec.take())
}

// orderChecker verifies per-session ordering invariants as events arrive.
type orderChecker struct {
	mu       sync.Mutex
	sessions map[routing.Session]bool
	routes   map[routing.Session]map[routing.TopicRoute]bool
	errs     []string
}

func newOrderChecker() *orderChecker {
	return &orderChecker{
		sessions: make(map[routing.Session]bool),
		routes:   make(map[routing.Session]map[routing.TopicRoute]bool),
	}
}

func (c *orderChecker) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

func (c *orderChecker) CreateSession(s routing.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s] {
		c.fail("double create session %v", s)
	}
	c.sessions[s] = true
	c.routes[s] = make(map[routing.TopicRoute]bool)
}

func (c *orderChecker) DeleteSession(s routing.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessions[s] {
		c.fail("delete of absent session %v", s)
	}
	if len(c.routes[s]) != 0 {
		c.fail("session %v deleted with live routes", s)
	}
	delete(c.sessions, s)
	delete(c.routes, s)
}

func (c *orderChecker) CreateTopicRoute(s routing.Session, r routing.TopicRoute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessions[s] {
		c.fail("route %v created before session %v", r, s)
		return
	}
	if c.routes[s][r] {
		c.fail("double create route %v in %v", r, s)
	}
	c.routes[s][r] = true
}

func (c *orderChecker) DeleteTopicRoute(s routing.Session, r routing.TopicRoute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.routes[s][r] {
		c.fail("delete of absent route %v in %v", r, s)
	}
	delete(c.routes[s], r)
}

func TestConcurrentIngestionKeepsOrdering(t *testing.T) {
	o := New(WithLogger(logging.Nop()))
	defer o.Close()

	checker := newOrderChecker()
	require.NoError(t, o.AddListener(checker))

	partitions := []string{"A", "B", "C"}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := fmt.Sprintf("h%d-%d", w, i%4)
				p := pub(h, "Square", partitions[(w+i)%3])
				if i%2 == 1 {
					p.Direction = routing.DirectionIn
				}
				switch i % 3 {
				case 0:
					o.Discovered(p)
				case 1:
					o.Modified(p)
				default:
					o.Lost(p)
				}
			}
		}(w)
	}
	wg.Wait()

	// Release everything that is left.
	for w := 0; w < 8; w++ {
		for k := 0; k < 4; k++ {
			h := fmt.Sprintf("h%d-%d", w, k)
			for _, dir := range []routing.Direction{routing.DirectionIn, routing.DirectionOut} {
				p := pub(h, "Square", partitions...)
				p.Direction = dir
				o.Lost(p)
			}
		}
	}
	flush(t, o)

	checker.mu.Lock()
	defer checker.mu.Unlock()
	assert.Empty(t, checker.errs)
	assert.Empty(t, checker.sessions)
	assert.Empty(t, o.Sessions())
}
