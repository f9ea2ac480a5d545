package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node setups.
// Ephemeral keys live until deleted or until the store is closed.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	streams map[*memoryStream]struct{}
	closed  bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		streams: make(map[*memoryStream]struct{}),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// PutEphemeral implements Store.
func (m *MemoryStore) PutEphemeral(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.data[key] = append([]byte(nil), value...)
	m.notifyLocked(Notification{Key: key})
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.notifyLocked(Notification{Key: key, Deleted: true})
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []KV
	for k, v := range m.data {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, KV{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Notifications implements Store.
func (m *MemoryStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s := &memoryStream{store: m, wake: make(chan struct{}, 1), done: make(chan struct{})}
	m.streams[s] = struct{}{}
	return s, nil
}

// Close implements Store. Open notification streams end with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.streams {
		s.closeLocked()
	}
	m.streams = nil
	return nil
}

// SimulateResync pushes a notification asking watchers to re-list, as a
// range deletion would.
func (m *MemoryStore) SimulateResync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyLocked(Notification{Resync: true})
}

func (m *MemoryStore) notifyLocked(n Notification) {
	for s := range m.streams {
		s.pending = append(s.pending, n)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

type memoryStream struct {
	store   *MemoryStore
	pending []Notification // guarded by store.mu
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

func (s *memoryStream) Next(ctx context.Context) (Notification, error) {
	for {
		s.store.mu.Lock()
		if len(s.pending) > 0 {
			n := s.pending[0]
			s.pending = s.pending[1:]
			s.store.mu.Unlock()
			return n, nil
		}
		closed := s.closed
		s.store.mu.Unlock()
		if closed {
			return Notification{}, ErrStoreClosed
		}

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-s.done:
		case <-s.wake:
		}
	}
}

func (s *memoryStream) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.streams != nil {
		delete(s.store.streams, s)
	}
	s.closeLocked()
	return nil
}

func (s *memoryStream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
