package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/partition-router/prouter/internal/metrics"
)

// OxiaConfig configures the Oxia-backed store.
type OxiaConfig struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace is the Oxia namespace holding participant records.
	Namespace string

	// RequestTimeout bounds individual requests. Zero keeps the client default.
	RequestTimeout time.Duration

	// SessionTimeout bounds the lifetime of ephemeral keys after the writer
	// disappears. Oxia requires at least 5 seconds.
	SessionTimeout time.Duration

	// Metrics records operation latencies. Nil disables recording.
	Metrics *metrics.OxiaMetrics
}

// OxiaStore implements Store on an Oxia cluster.
type OxiaStore struct {
	client  oxiaclient.SyncClient
	metrics *metrics.OxiaMetrics

	mu     sync.RWMutex
	closed bool
}

// NewOxiaStore connects to Oxia.
func NewOxiaStore(cfg OxiaConfig) (*OxiaStore, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("discovery: oxia service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("discovery: oxia namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to create oxia client: %w", err)
	}
	return &OxiaStore{client: client, metrics: cfg.Metrics}, nil
}

func (s *OxiaStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get implements Store.
func (s *OxiaStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	_, value, _, err := s.client.Get(ctx, key)
	s.metrics.RecordOperation(metrics.OpGet, time.Since(start), err == nil || errors.Is(err, oxiaclient.ErrKeyNotFound))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("discovery: oxia get %s: %w", key, err)
	}
	return value, true, nil
}

// PutEphemeral implements Store.
func (s *OxiaStore) PutEphemeral(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	_, _, err := s.client.Put(ctx, key, value, oxiaclient.Ephemeral())
	s.metrics.RecordOperation(metrics.OpPutEphemeral, time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("discovery: oxia put %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *OxiaStore) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	err := s.client.Delete(ctx, key)
	if errors.Is(err, oxiaclient.ErrKeyNotFound) {
		err = nil
	}
	s.metrics.RecordOperation(metrics.OpDelete, time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("discovery: oxia delete %s: %w", key, err)
	}
	return nil
}

// List implements Store. Oxia sorts keys hierarchically, so "<prefix>/" is
// the end of the direct children of a prefix ending in '/'.
func (s *OxiaStore) List(ctx context.Context, prefix string) ([]KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	start := time.Now()
	results := s.client.RangeScan(ctx, prefix, prefix+"/")
	var kvs []KV
	for result := range results {
		if result.Err != nil {
			s.metrics.RecordOperation(metrics.OpList, time.Since(start), false)
			go drainRangeScan(results)
			return nil, fmt.Errorf("discovery: oxia list %s: %w", prefix, result.Err)
		}
		kvs = append(kvs, KV{Key: result.Key, Value: result.Value})
	}
	s.metrics.RecordOperation(metrics.OpList, time.Since(start), true)
	return kvs, nil
}

// Notifications implements Store.
func (s *OxiaStore) Notifications(ctx context.Context) (NotificationStream, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, fmt.Errorf("discovery: oxia notifications: %w", err)
	}
	return &oxiaStream{notifications: n, ctx: ctx, metrics: s.metrics}, nil
}

// Close implements Store. Ephemeral keys written through this store expire
// once the session timeout elapses.
func (s *OxiaStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

type oxiaStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
	metrics       *metrics.OxiaMetrics
}

func (s *oxiaStream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return Notification{}, s.ctx.Err()
	case n, ok := <-s.notifications.Ch():
		if !ok {
			return Notification{}, ErrStoreClosed
		}
		out := convertNotification(n)
		switch {
		case out.Resync:
			s.metrics.RecordNotification(metrics.NotificationResync)
		case out.Deleted:
			s.metrics.RecordNotification(metrics.NotificationDelete)
		default:
			s.metrics.RecordNotification(metrics.NotificationPut)
		}
		return out, nil
	}
}

func (s *oxiaStream) Close() error {
	return s.notifications.Close()
}

func convertNotification(n *oxiaclient.Notification) Notification {
	out := Notification{Key: n.Key}
	switch n.Type {
	case oxiaclient.KeyDeleted:
		out.Deleted = true
	case oxiaclient.KeyRangeRangeDeleted:
		out.Resync = true
	}
	return out
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}
