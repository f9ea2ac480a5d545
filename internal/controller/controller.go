// Package controller wires the discovery feed, observer, commander and
// journal into one running partition router.
package controller

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/partition-router/prouter/internal/command"
	"github.com/partition-router/prouter/internal/commander"
	"github.com/partition-router/prouter/internal/config"
	"github.com/partition-router/prouter/internal/discovery"
	"github.com/partition-router/prouter/internal/filter"
	"github.com/partition-router/prouter/internal/journal"
	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/metrics"
	"github.com/partition-router/prouter/internal/observer"
	"github.com/partition-router/prouter/internal/remote"
)

// ErrAlreadyStarted is returned when Run is called twice.
var ErrAlreadyStarted = errors.New("controller: already started")

// DefaultStatusInterval is how often Run logs the controller's state.
const DefaultStatusInterval = time.Minute

// Options contains the configuration for creating a controller. Store,
// Client and Producer replace the collaborators the controller would
// otherwise build from Config.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	InstanceID string
	Version    string

	Store    discovery.Store
	Client   remote.Client
	Producer journal.Producer

	// Registry receives the controller's metrics. Nil means the default
	// Prometheus registry.
	Registry *prometheus.Registry

	StatusInterval time.Duration
}

// Controller is a running partition router instance.
type Controller struct {
	opts   Options
	logger *logging.Logger

	store     discovery.Store
	observer  *observer.Observer
	commander *commander.Commander
	journal   *journal.Journal
	watcher   *discovery.Watcher
	metrics   *metrics.Server

	closers []func() error

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New builds every component but starts nothing.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = opts.Config.Controller.InstanceID
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}

	c := &Controller{
		opts:   opts,
		logger: opts.Logger.With(map[string]any{"instance": opts.InstanceID}),
	}
	if err := c.build(); err != nil {
		c.closeAll()
		return nil, err
	}
	return c, nil
}

func (c *Controller) build() error {
	cfg := c.opts.Config

	observerMetrics, commanderMetrics, oxiaMetrics := c.newMetrics()

	c.observer = observer.New(
		observer.WithLogger(c.logger),
		observer.WithMetrics(observerMetrics),
	)
	c.closers = append(c.closers, func() error { c.observer.Close(); return nil })

	filters, err := Filters(cfg.Filters)
	if err != nil {
		return err
	}
	for _, f := range filters {
		if err := c.observer.AddFilter(f); err != nil {
			return err
		}
	}

	client, err := c.remoteClient()
	if err != nil {
		return err
	}

	builder, err := command.NewBuilder(
		command.ServicePathNaming{Service: cfg.Remote.Service, DomainRoute: cfg.Remote.DomainRoute},
		command.XMLConfig{
			LocalParticipant:  cfg.Remote.LocalParticipant,
			RemoteParticipant: cfg.Remote.RemoteParticipant,
		},
	)
	if err != nil {
		return err
	}

	c.commander, err = commander.New(client, builder, commander.Config{
		RetryDelay: cfg.Controller.RetryDelay,
		RPCTimeout: cfg.Controller.RPCTimeout,
	}, commander.WithLogger(c.logger), commander.WithMetrics(commanderMetrics))
	if err != nil {
		return err
	}
	c.closers = append(c.closers, func() error { c.commander.Close(); return nil })
	if err := c.observer.AddListener(c.commander); err != nil {
		return err
	}

	if err := c.buildJournal(); err != nil {
		return err
	}

	c.store = c.opts.Store
	if c.store == nil {
		store, err := discovery.NewOxiaStore(discovery.OxiaConfig{
			ServiceAddress: cfg.Discovery.OxiaEndpoint,
			Namespace:      cfg.Discovery.Namespace,
			RequestTimeout: cfg.Discovery.RequestTimeout,
			SessionTimeout: cfg.Discovery.SessionTimeout,
			Metrics:        oxiaMetrics,
		})
		if err != nil {
			return err
		}
		c.store = store
	}
	c.closers = append(c.closers, c.store.Close)

	c.watcher, err = discovery.NewWatcher(c.store, c.observer,
		discovery.WithPrefix(cfg.Discovery.Prefix),
		discovery.WithLogger(c.logger),
	)
	if err != nil {
		return err
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if c.opts.Registry != nil {
			c.metrics = metrics.NewServerWithRegistry(addr, c.opts.Registry, c.logger)
		} else {
			c.metrics = metrics.NewServer(addr, c.logger)
		}
		c.metrics.AddReadinessCheck("discovery", c.watcher.Ready)
	}
	return nil
}

func (c *Controller) newMetrics() (*metrics.ObserverMetrics, *metrics.CommanderMetrics, *metrics.OxiaMetrics) {
	if c.opts.Registry != nil {
		return metrics.NewObserverMetricsWithRegistry(c.opts.Registry),
			metrics.NewCommanderMetricsWithRegistry(c.opts.Registry),
			metrics.NewOxiaMetricsWithRegistry(c.opts.Registry)
	}
	return metrics.NewObserverMetrics(), metrics.NewCommanderMetrics(), metrics.NewOxiaMetrics()
}

func (c *Controller) remoteClient() (remote.Client, error) {
	if c.opts.Client != nil {
		return c.opts.Client, nil
	}
	client, err := remote.Dial(c.opts.Config.Remote.Address,
		[]remote.GRPCOption{remote.WithInstanceID(c.opts.InstanceID)})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, client.Close)
	return client, nil
}

func (c *Controller) buildJournal() error {
	cfg := c.opts.Config.Journal
	producer := c.opts.Producer
	if producer == nil {
		if !cfg.Enabled {
			return nil
		}
		client, err := journal.NewClient(journal.KafkaConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			ClientID: "prouter-" + c.opts.InstanceID,
		})
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() error { client.Close(); return nil })
		producer = client
	}

	j, err := journal.New(producer, journal.Config{Topic: cfg.Topic, InstanceID: c.opts.InstanceID},
		journal.WithLogger(c.logger))
	if err != nil {
		return err
	}
	c.journal = j
	c.closers = append(c.closers, func() error { j.Close(); return nil })
	return c.observer.AddListener(j)
}

// Filters builds the observer filters described by cfg.
func Filters(cfg config.FiltersConfig) ([]filter.Filter, error) {
	var out []filter.Filter
	if len(cfg.IgnoreTopicPrefixes) > 0 {
		out = append(out, filter.TopicPrefix{Prefixes: cfg.IgnoreTopicPrefixes})
	}
	if cfg.IgnoreTopicPattern != "" {
		re, err := regexp.Compile(cfg.IgnoreTopicPattern)
		if err != nil {
			return nil, fmt.Errorf("controller: ignore topic pattern: %w", err)
		}
		out = append(out, filter.Regexp{Topic: re})
	}
	if len(cfg.IgnorePartitions) > 0 {
		glob, err := filter.NewPartitionGlob(cfg.IgnorePartitions...)
		if err != nil {
			return nil, fmt.Errorf("controller: ignore partitions: %w", err)
		}
		out = append(out, glob)
	}
	return out, nil
}

// Observer returns the controller's observer.
func (c *Controller) Observer() *observer.Observer { return c.observer }

// Commander returns the controller's commander.
func (c *Controller) Commander() *commander.Commander { return c.commander }

// InstanceID returns the ID this controller tags its requests with.
func (c *Controller) InstanceID() string { return c.opts.InstanceID }

// Ready reports whether the initial discovery listing has been applied.
func (c *Controller) Ready(ctx context.Context) error { return c.watcher.Ready(ctx) }

// Run follows the discovery feed until ctx is canceled or the feed fails,
// then shuts everything down. Listeners are registered before the feed
// starts, so no event is missed.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Infof("starting controller", map[string]any{
		"version":     c.opts.Version,
		"remote":      c.opts.Config.Remote.Address,
		"service":     c.opts.Config.Remote.Service,
		"domainRoute": c.opts.Config.Remote.DomainRoute,
		"prefix":      c.opts.Config.Discovery.Prefix,
		"journal":     c.journal != nil,
	})

	if c.metrics != nil {
		if err := c.metrics.Start(); err != nil {
			c.Shutdown(context.Background())
			return fmt.Errorf("controller: failed to start metrics server: %w", err)
		}
		c.logger.Infof("metrics server started", map[string]any{"addr": c.metrics.Addr()})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.watcher.Run(gctx)
	})
	g.Go(func() error {
		c.reportStatus(gctx)
		return nil
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.Shutdown(shutdownCtx)
	return err
}

func (c *Controller) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(c.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fields := map[string]any{
				"sessions":     len(c.observer.Sessions()),
				"pending":      c.commander.Pending(),
				"participants": c.watcher.Len(),
			}
			if c.journal != nil {
				produced, failed := c.journal.Stats()
				fields["journalProduced"] = produced
				fields["journalFailed"] = failed
			}
			c.logger.Infof("controller status", fields)
		}
	}
}

// Shutdown stops the controller: the observer first so no new work is
// scheduled, then the commander, then the journal and the collaborators.
// It is safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.mu.Unlock()

	c.logger.Info("shutting down controller")

	c.observer.Close()
	pending := c.commander.Pending()
	c.commander.Close()
	if pending > 0 {
		c.logger.Warnf("commands still pending at shutdown", map[string]any{"pending": pending})
	}
	// The producer is closed by closeAll, so flush first.
	if c.journal != nil {
		if err := c.journal.Flush(ctx); err != nil {
			c.logger.Warnf("error flushing journal", map[string]any{"error": err.Error()})
		}
	}
	if c.metrics != nil {
		if err := c.metrics.Close(); err != nil {
			c.logger.Warnf("error closing metrics server", map[string]any{"error": err.Error()})
		}
	}
	c.closeAll()

	c.logger.Info("controller shutdown complete")
}

// closeAll runs the registered closers in reverse order.
func (c *Controller) closeAll() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warnf("error closing component", map[string]any{"error": err.Error()})
		}
	}
	c.closers = nil
}
