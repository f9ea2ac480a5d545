package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/partition-router/prouter/internal/logging"
	"github.com/partition-router/prouter/internal/routing"
)

var (
	// ErrNilStore is returned when a watcher or announcer has no store.
	ErrNilStore = errors.New("discovery: nil store")

	// ErrNilSink is returned when a watcher has no sink.
	ErrNilSink = errors.New("discovery: nil sink")

	// ErrNotSynced is reported by Ready until the initial listing is done.
	ErrNotSynced = errors.New("discovery: initial sync not complete")
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPrefix sets the key prefix participants are announced under.
func WithPrefix(prefix string) WatcherOption {
	return func(w *Watcher) { w.prefix = prefix }
}

// WithLogger sets the watcher's logger.
func WithLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher follows participant records in a Store and forwards them to a
// Sink. It remembers the last record seen per key so that deletions can be
// reported with the record that was removed.
type Watcher struct {
	store  Store
	sink   Sink
	prefix string
	logger *logging.Logger

	synced atomic.Bool

	mu    sync.Mutex
	known map[string]routing.Participant
}

// NewWatcher creates a watcher feeding sink from store.
func NewWatcher(store Store, sink Sink, opts ...WatcherOption) (*Watcher, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if sink == nil {
		return nil, ErrNilSink
	}
	w := &Watcher{
		store:  store,
		sink:   sink,
		prefix: DefaultPrefix,
		known:  make(map[string]routing.Participant),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.Global()
	}
	w.logger = w.logger.WithComponent("discovery")
	return w, nil
}

// Run subscribes to notifications, reports every existing record as
// discovered and then follows changes until ctx is canceled. It returns nil
// on cancellation and an error if the store fails.
func (w *Watcher) Run(ctx context.Context) error {
	stream, err := w.store.Notifications(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Subscribing before listing means no change is missed; changes that
	// raced the listing are reconciled against the known set.
	if err := w.resync(ctx); err != nil {
		return err
	}
	w.synced.Store(true)
	w.logger.Infof("discovery synced", map[string]any{
		"prefix":       w.prefix,
		"participants": w.Len(),
	})

	for {
		n, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery: notification stream: %w", err)
		}
		w.handle(ctx, n)
	}
}

// Ready reports ErrNotSynced until the initial listing has been delivered.
func (w *Watcher) Ready(context.Context) error {
	if !w.synced.Load() {
		return ErrNotSynced
	}
	return nil
}

// Len returns the number of records currently known.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

func (w *Watcher) handle(ctx context.Context, n Notification) {
	if n.Resync {
		if err := w.resync(ctx); err != nil {
			w.logger.Errorf("discovery resync failed", map[string]any{"error": err.Error()})
		}
		return
	}
	if !w.owns(n.Key) {
		return
	}
	if n.Deleted {
		w.remove(n.Key)
		return
	}

	value, ok, err := w.store.Get(ctx, n.Key)
	if err != nil {
		w.logger.Warnf("failed to read participant record", map[string]any{
			"key":   n.Key,
			"error": err.Error(),
		})
		return
	}
	if !ok {
		// Deleted again before we got to read it.
		w.remove(n.Key)
		return
	}
	w.apply(n.Key, value)
}

// resync lists the prefix and reconciles it with the known records.
func (w *Watcher) resync(ctx context.Context) error {
	present := make(map[string][]byte)
	for _, d := range []routing.Direction{routing.DirectionIn, routing.DirectionOut} {
		kvs, err := w.store.List(ctx, DirectoryKey(w.prefix, d))
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			present[kv.Key] = kv.Value
		}
	}

	w.mu.Lock()
	var gone []string
	for key := range w.known {
		if _, ok := present[key]; !ok {
			gone = append(gone, key)
		}
	}
	w.mu.Unlock()

	slices.Sort(gone)
	for _, key := range gone {
		w.remove(key)
	}

	keys := make([]string, 0, len(present))
	for key := range present {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		w.apply(key, present[key])
	}
	return nil
}

func (w *Watcher) apply(key string, value []byte) {
	p, err := DecodeParticipant(value)
	if err != nil {
		w.logger.Warnf("skipping participant record", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		// The key no longer describes the participant it used to.
		w.remove(key)
		return
	}

	w.mu.Lock()
	prev, known := w.known[key]
	w.known[key] = p
	w.mu.Unlock()

	switch {
	case !known:
		w.sink.Discovered(p)
	case prev.Handle != p.Handle || prev.Direction != p.Direction || prev.Topic != p.Topic || prev.Type != p.Type:
		// A different participant reusing the key.
		w.sink.Lost(prev)
		w.sink.Discovered(p)
	case !slices.Equal(prev.Partitions, p.Partitions):
		w.sink.Modified(p)
	}
}

func (w *Watcher) remove(key string) {
	w.mu.Lock()
	prev, known := w.known[key]
	delete(w.known, key)
	w.mu.Unlock()

	if known {
		w.sink.Lost(prev)
	}
}

// owns reports whether key is a direct child of one of the direction
// directories.
func (w *Watcher) owns(key string) bool {
	for _, d := range []routing.Direction{routing.DirectionIn, routing.DirectionOut} {
		rest, ok := strings.CutPrefix(key, DirectoryKey(w.prefix, d))
		if ok && rest != "" && !strings.Contains(rest, "/") {
			return true
		}
	}
	return false
}
