// Package commander drives session and topic route lifecycle events to the
// remote routing service.
//
// Every key (a session, or a route within a session) has at most one
// scheduled command. A new event for a key supersedes the scheduled one: the
// old retry loop is canceled and the new command waits until the old loop
// has exited before its first attempt, so two commands for one key never
// run against the remote service at the same time. A command is retried
// every RetryDelay until it succeeds or is superseded.
package commander

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/partition-router/prouter/internal/command"
	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/metrics"
	"github.com/partition-router/prouter/internal/remote"
	"github.com/partition-router/prouter/internal/routing"
)

var (
	// ErrInvalidDuration is returned when RetryDelay or RPCTimeout is not
	// positive.
	ErrInvalidDuration = errors.New("commander: duration must be positive")

	// ErrNilClient is returned when no remote client is supplied.
	ErrNilClient = errors.New("commander: nil client")

	// ErrNilBuilder is returned when no command builder is supplied.
	ErrNilBuilder = errors.New("commander: nil builder")

	// ErrClientPanic wraps a panic raised by the remote client.
	ErrClientPanic = errors.New("commander: client panicked")
)

// Default timings.
const (
	DefaultRetryDelay = 5 * time.Second
	DefaultRPCTimeout = 10 * time.Second
)

// Config holds the commander timings.
type Config struct {
	// RetryDelay is the wait between a failed attempt and the next one.
	RetryDelay time.Duration
	// RPCTimeout bounds a single attempt.
	RPCTimeout time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		RetryDelay: DefaultRetryDelay,
		RPCTimeout: DefaultRPCTimeout,
	}
}

// Validate checks that both durations are positive.
func (c Config) Validate() error {
	if c.RetryDelay <= 0 {
		return fmt.Errorf("%w: retry delay %s", ErrInvalidDuration, c.RetryDelay)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: rpc timeout %s", ErrInvalidDuration, c.RPCTimeout)
	}
	return nil
}

// Key identifies the remote resource a command targets. Route is nil for
// session commands.
type Key struct {
	Session routing.Session
	Route   *routing.TopicRoute
}

func (k Key) String() string {
	if k.Route == nil {
		return k.Session.String()
	}
	return k.Session.String() + "/" + k.Route.String()
}

type tableKey struct {
	session  routing.Session
	route    routing.TopicRoute
	hasRoute bool
}

func (k Key) tableKey() tableKey {
	if k.Route == nil {
		return tableKey{session: k.Session}
	}
	return tableKey{session: k.Session, route: *k.Route, hasRoute: true}
}

type scheduled struct {
	cmd    command.Command
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Commander.
type Option func(*Commander)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Commander) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.CommanderMetrics) Option {
	return func(c *Commander) { c.metrics = m }
}

// Commander schedules remote commands per key. It implements
// observer.Listener.
type Commander struct {
	client  remote.Client
	builder *command.Builder
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.CommanderMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	table  map[tableKey]*scheduled
	closed bool
}

// New creates a Commander. It fails if either duration in cfg is not
// positive or if client or builder is nil.
func New(client remote.Client, builder *command.Builder, cfg Config, opts ...Option) (*Commander, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if builder == nil {
		return nil, ErrNilBuilder
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Commander{
		client:  client,
		builder: builder,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		table:   make(map[tableKey]*scheduled),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Global()
	}
	c.logger = c.logger.WithComponent("commander")
	return c, nil
}

// CreateSession implements observer.Listener.
func (c *Commander) CreateSession(s routing.Session) {
	c.schedule(Key{Session: s}, command.ActionCreate)
}

// DeleteSession implements observer.Listener.
func (c *Commander) DeleteSession(s routing.Session) {
	c.schedule(Key{Session: s}, command.ActionDelete)
}

// CreateTopicRoute implements observer.Listener.
func (c *Commander) CreateTopicRoute(s routing.Session, r routing.TopicRoute) {
	c.schedule(Key{Session: s, Route: &r}, command.ActionCreate)
}

// DeleteTopicRoute implements observer.Listener.
func (c *Commander) DeleteTopicRoute(s routing.Session, r routing.TopicRoute) {
	c.schedule(Key{Session: s, Route: &r}, command.ActionDelete)
}

// Pending returns the number of keys whose latest command has not succeeded
// yet.
func (c *Commander) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// IsPending reports whether k has a scheduled command.
func (c *Commander) IsPending(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.table[k.tableKey()]
	return ok
}

// Close cancels every scheduled command and waits for the retry loops to
// exit. Events received afterwards are dropped.
func (c *Commander) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	dropped := len(c.table)
	for k, entry := range c.table {
		entry.cancel()
		delete(c.table, k)
	}
	c.metrics.SetPending(0)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	if dropped > 0 {
		c.logger.Infof("commander closed with pending commands", map[string]any{"pending": dropped})
	}
}

func (c *Commander) build(k Key, action command.Action) (command.Command, error) {
	if k.Route == nil {
		return c.builder.SessionCommand(k.Session, action)
	}
	return c.builder.TopicRouteCommand(k.Session, *k.Route, action)
}

func (c *Commander) schedule(k Key, action command.Action) {
	cmd, err := c.build(k, action)
	if err != nil {
		c.metrics.RecordBuildError()
		c.logger.Errorf("failed to build command", map[string]any{
			"key":    k.String(),
			"action": action.String(),
			"error":  err.Error(),
		})
		return
	}

	tk := k.tableKey()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debugf("commander closed, dropping command", cmd.Fields())
		return
	}

	prev := c.table[tk]
	if prev != nil {
		prev.cancel()
		c.metrics.RecordSuperseded()
		fields := cmd.Fields()
		fields["superseded"] = prev.cmd.Action.String()
		c.logger.Debugf("command superseded", fields)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	entry := &scheduled{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	c.table[tk] = entry
	c.metrics.SetPending(len(c.table))
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, tk, entry, prev)
}

func (c *Commander) run(ctx context.Context, tk tableKey, entry, prev *scheduled) {
	defer c.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	if prev != nil {
		// prev is already canceled; wait until its loop is gone.
		<-prev.done
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if c.attempt(ctx, entry.cmd, attempt) {
			c.complete(tk, entry)
			return
		}

		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// complete clears the table entry unless a newer command replaced it.
func (c *Commander) complete(tk tableKey, entry *scheduled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table[tk] != entry {
		return
	}
	delete(c.table, tk)
	c.metrics.SetPending(len(c.table))
}

func (c *Commander) attempt(ctx context.Context, cmd command.Command, n int) bool {
	start := time.Now()
	resp, err := c.send(ctx, cmd)
	elapsed := time.Since(start)

	fields := cmd.Fields()
	fields["attempt"] = n
	fields["retryDelay"] = c.cfg.RetryDelay.String()
	fields["elapsed"] = elapsed.String()
	action, kind := cmd.Action.String(), cmd.Kind()

	switch {
	case err == nil && resp.OK():
		c.metrics.RecordAttempt(action, kind, metrics.OutcomeSuccess, elapsed)
		c.logger.Infof("command applied", fields)
		return true

	case ctx.Err() != nil:
		// Superseded or closed while in flight.
		c.logger.Debugf("command canceled", fields)
		return false

	case err != nil:
		outcome := metrics.OutcomeError
		if errors.Is(err, remote.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		c.metrics.RecordAttempt(action, kind, outcome, elapsed)
		fields["error"] = err.Error()
		c.logger.Warnf("command failed, will retry", fields)
		return false

	default:
		c.metrics.RecordAttempt(action, kind, metrics.OutcomeRejected, elapsed)
		fields["status"] = resp.Status.String()
		fields["message"] = resp.Message
		c.logger.Warnf("command rejected, will retry", fields)
		return false
	}
}

// send runs one bounded attempt. A panicking client counts as a failed
// attempt.
func (c *Commander) send(ctx context.Context, cmd command.Command) (resp remote.Response, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrClientPanic, r)
		}
	}()
	return c.client.Send(attemptCtx, cmd)
}
