// Package observer turns discovery events into reference-counted session and
// topic route lifecycle events.
//
// The observer keeps, per (topic, partition) session, the set of topic routes
// in use and, per route, the set of participant handles holding it:
//
//	Session → TopicRoute → {Handle}
//
// A session is created when its first route appears and deleted when its last
// route goes away; a route is created when its first handle appears and
// deleted when its last handle goes away. Listeners are notified of every
// transition, in the order the transitions happened, on a dedicated goroutine.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/partition-router/prouter/internal/filter"
	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/metrics"
	"github.com/partition-router/prouter/internal/routing"
)

var (
	// ErrNilListener is returned when a nil listener is registered.
	ErrNilListener = errors.New("observer: nil listener")

	// ErrClosed is returned by operations on a closed observer.
	ErrClosed = errors.New("observer: closed")
)

// Listener receives session and topic route lifecycle events. Calls are made
// from a single goroutine, one at a time, in transition order.
type Listener interface {
	CreateSession(s routing.Session)
	DeleteSession(s routing.Session)
	CreateTopicRoute(s routing.Session, r routing.TopicRoute)
	DeleteTopicRoute(s routing.Session, r routing.TopicRoute)
}

// EventKind identifies a lifecycle transition.
type EventKind int

const (
	CreateSession EventKind = iota + 1
	DeleteSession
	CreateTopicRoute
	DeleteTopicRoute
)

func (k EventKind) String() string {
	switch k {
	case CreateSession:
		return metrics.EventCreateSession
	case DeleteSession:
		return metrics.EventDeleteSession
	case CreateTopicRoute:
		return metrics.EventCreateTopicRoute
	case DeleteTopicRoute:
		return metrics.EventDeleteTopicRoute
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition. Route is zero for session events.
type Event struct {
	Kind    EventKind
	Session routing.Session
	Route   routing.TopicRoute
}

// Dispatch invokes the listener method matching the event kind.
func (e Event) Dispatch(l Listener) {
	switch e.Kind {
	case CreateSession:
		l.CreateSession(e.Session)
	case DeleteSession:
		l.DeleteSession(e.Session)
	case CreateTopicRoute:
		l.CreateTopicRoute(e.Session, e.Route)
	case DeleteTopicRoute:
		l.DeleteTopicRoute(e.Session, e.Route)
	}
}

// Option configures an Observer.
type Option func(*Observer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.ObserverMetrics) Option {
	return func(o *Observer) { o.metrics = m }
}

type handleSet map[routing.Handle]struct{}

// holder identifies one participant record. The feed keys records by
// direction and handle, so one handle may publish and subscribe at once.
type holder struct {
	handle    routing.Handle
	direction routing.Direction
}

// holding is one session a holder is mapped into, with the route it holds.
type holding struct {
	session routing.Session
	route   routing.TopicRoute
}

// Observer owns the session/route/handle mapping.
type Observer struct {
	logger  *logging.Logger
	metrics *metrics.ObserverMetrics
	filters *filter.Chain

	listenersMu sync.RWMutex
	listeners   []Listener

	mu       sync.Mutex
	sessions map[routing.Session]map[routing.TopicRoute]handleSet
	held     map[holder]map[routing.Session]routing.TopicRoute
	closed   bool

	dispatch *dispatcher
}

// New creates an Observer with no listeners and no filters.
func New(opts ...Option) *Observer {
	o := &Observer{
		filters:  &filter.Chain{},
		sessions: make(map[routing.Session]map[routing.TopicRoute]handleSet),
		held:     make(map[holder]map[routing.Session]routing.TopicRoute),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Global()
	}
	o.logger = o.logger.WithComponent("observer")
	o.dispatch = newDispatcher(o.deliver)
	return o
}

// AddListener registers a listener. Listeners added later only see events
// delivered after registration.
func (o *Observer) AddListener(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, l)
	return nil
}

// AddFilter appends a filter to the observer's chain.
func (o *Observer) AddFilter(f filter.Filter) error {
	return o.filters.Add(f)
}

// Discovered maps every non-filtered partition of p, creating sessions and
// routes that did not exist yet.
func (o *Observer) Discovered(p routing.Participant) {
	if o.ignoreParticipant(p) {
		return
	}
	partitions := o.routablePartitions(p)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	route := p.Route()
	o.releaseOtherRoutes(p, route)
	for _, partition := range partitions {
		o.add(p.Handle, routing.Session{Topic: p.Topic, Partition: partition}, route)
	}
}

// Modified reconciles the record's partitions with the ones p now advertises.
// Partitions that are still advertised are left untouched; holdings of a
// different topic or type are released. A record is identified by handle and
// direction, so a direction change is a different record and the old one must
// be reported through Lost.
func (o *Observer) Modified(p routing.Participant) {
	if o.ignoreParticipant(p) {
		// A record that no longer qualifies releases whatever it held.
		o.Lost(p)
		return
	}
	partitions := o.routablePartitions(p)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	wanted := make(map[string]struct{}, len(partitions))
	for _, partition := range partitions {
		wanted[partition] = struct{}{}
	}

	route := p.Route()
	o.releaseOtherRoutes(p, route)
	mapped := make(map[string]struct{})
	for _, hd := range o.holdings(p) {
		if _, ok := wanted[hd.session.Partition]; !ok {
			o.remove(p.Handle, hd.session, hd.route)
			continue
		}
		mapped[hd.session.Partition] = struct{}{}
	}
	for _, partition := range partitions {
		if _, ok := mapped[partition]; ok {
			continue
		}
		o.add(p.Handle, routing.Session{Topic: p.Topic, Partition: partition}, route)
	}
}

// Lost releases every session the record (p's handle and direction) holds.
// Unknown sessions, routes or handles are ignored.
func (o *Observer) Lost(p routing.Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	held := o.held[holder{handle: p.Handle, direction: p.Direction}]
	for _, partition := range p.NormalizedPartitions() {
		s := routing.Session{Topic: p.Topic, Partition: partition}
		if r, ok := held[s]; ok {
			o.remove(p.Handle, s, r)
		}
	}
	// The record may carry a stale partition list; release the rest too.
	for _, hd := range o.holdings(p) {
		o.remove(p.Handle, hd.session, hd.route)
	}
}

// Flush blocks until every event emitted before the call has been delivered
// to the listeners.
func (o *Observer) Flush(ctx context.Context) error {
	return o.dispatch.flush(ctx)
}

// Close stops event delivery. Events not yet delivered are dropped and the
// ingestion methods become no-ops. Close must not be called from a listener.
func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	// The mapping is abandoned with the observer, so stop reporting it.
	o.metrics.Reset()
	o.mu.Unlock()
	o.dispatch.close()
}

// Sessions returns the sessions currently mapped, sorted.
func (o *Observer) Sessions() []routing.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]routing.Session, 0, len(o.sessions))
	for s := range o.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return lessSession(out[i], out[j]) })
	return out
}

// Routes returns the routes mapped under s, sorted.
func (o *Observer) Routes(s routing.Session) []routing.TopicRoute {
	o.mu.Lock()
	defer o.mu.Unlock()
	routes := o.sessions[s]
	out := make([]routing.TopicRoute, 0, len(routes))
	for r := range routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return lessRoute(out[i], out[j]) })
	return out
}

// Holders returns the handles holding route r in session s, sorted.
func (o *Observer) Holders(s routing.Session, r routing.TopicRoute) []routing.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	holders := o.sessions[s][r]
	out := make([]routing.Handle, 0, len(holders))
	for h := range holders {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (o *Observer) ignoreParticipant(p routing.Participant) bool {
	if !o.filters.IgnoreParticipant(p) {
		return false
	}
	o.metrics.RecordIgnored(metrics.IgnoredParticipant)
	o.logger.Debugf("participant ignored", p.Fields())
	return true
}

func (o *Observer) routablePartitions(p routing.Participant) []string {
	all := p.NormalizedPartitions()
	out := all[:0:0]
	for _, partition := range all {
		if o.filters.IgnorePartition(p.Topic, partition) {
			o.metrics.RecordIgnored(metrics.IgnoredPartition)
			o.logger.Debugf("partition ignored", map[string]any{
				"topic":     p.Topic,
				"partition": partition,
			})
			continue
		}
		out = append(out, partition)
	}
	return out
}

// holdings returns what the record of p holds, sorted by session. Callers
// hold o.mu.
func (o *Observer) holdings(p routing.Participant) []holding {
	held := o.held[holder{handle: p.Handle, direction: p.Direction}]
	out := make([]holding, 0, len(held))
	for s, r := range held {
		out = append(out, holding{session: s, route: r})
	}
	sort.Slice(out, func(i, j int) bool { return lessSession(out[i].session, out[j].session) })
	return out
}

// releaseOtherRoutes drops holdings of p's record whose route differs from
// route, as when a record changes topic or type. Callers hold o.mu.
func (o *Observer) releaseOtherRoutes(p routing.Participant, route routing.TopicRoute) {
	for _, hd := range o.holdings(p) {
		if hd.route != route {
			o.remove(p.Handle, hd.session, hd.route)
		}
	}
}

// add inserts h under (s, r). Callers hold o.mu.
func (o *Observer) add(h routing.Handle, s routing.Session, r routing.TopicRoute) {
	routes, ok := o.sessions[s]
	if !ok {
		routes = make(map[routing.TopicRoute]handleSet)
		o.sessions[s] = routes
		o.emit(Event{Kind: CreateSession, Session: s})
	}
	holders, ok := routes[r]
	if !ok {
		holders = make(handleSet)
		routes[r] = holders
		o.emit(Event{Kind: CreateTopicRoute, Session: s, Route: r})
	}
	holders[h] = struct{}{}

	key := holder{handle: h, direction: r.Direction}
	sessions, ok := o.held[key]
	if !ok {
		sessions = make(map[routing.Session]routing.TopicRoute)
		o.held[key] = sessions
	}
	sessions[s] = r
}

// remove drops h from (s, r), deleting the route and session once empty.
// Callers hold o.mu.
func (o *Observer) remove(h routing.Handle, s routing.Session, r routing.TopicRoute) {
	routes, ok := o.sessions[s]
	if !ok {
		return
	}
	holders, ok := routes[r]
	if !ok {
		return
	}
	if _, ok := holders[h]; !ok {
		return
	}

	delete(holders, h)
	key := holder{handle: h, direction: r.Direction}
	if sessions, ok := o.held[key]; ok && sessions[s] == r {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(o.held, key)
		}
	}

	if len(holders) == 0 {
		delete(routes, r)
		o.emit(Event{Kind: DeleteTopicRoute, Session: s, Route: r})
	}
	if len(routes) == 0 {
		delete(o.sessions, s)
		o.emit(Event{Kind: DeleteSession, Session: s})
	}
}

// emit queues ev for delivery. Callers hold o.mu so that queue order equals
// transition order.
func (o *Observer) emit(ev Event) {
	o.metrics.RecordEvent(ev.Kind.String())
	o.logger.Debugf("lifecycle event", eventFields(ev))
	o.dispatch.push(ev)
}

func (o *Observer) deliver(ev Event) {
	o.listenersMu.RLock()
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenersMu.RUnlock()

	for _, l := range listeners {
		o.invoke(l, ev)
	}
}

func (o *Observer) invoke(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			fields := eventFields(ev)
			fields["panic"] = fmt.Sprint(r)
			o.logger.Errorf("listener panicked", fields)
		}
	}()
	ev.Dispatch(l)
}

func eventFields(ev Event) map[string]any {
	fields := map[string]any{
		"event":     ev.Kind.String(),
		"topic":     ev.Session.Topic,
		"partition": ev.Session.Partition,
	}
	if ev.Kind == CreateTopicRoute || ev.Kind == DeleteTopicRoute {
		fields["direction"] = ev.Route.Direction.String()
		fields["type"] = ev.Route.Type
	}
	return fields
}

func lessSession(a, b routing.Session) bool {
	if a.Topic != b.Topic {
		return a.Topic < b.Topic
	}
	return a.Partition < b.Partition
}

func lessRoute(a, b routing.TopicRoute) bool {
	if a.Topic != b.Topic {
		return a.Topic < b.Topic
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Direction < b.Direction
}
