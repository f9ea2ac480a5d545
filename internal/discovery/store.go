package discovery

import (
	"context"
	"errors"
)

var (
	// ErrStoreClosed is returned when a closed store is used.
	ErrStoreClosed = errors.New("discovery: store closed")
)

// KV is one stored participant record.
type KV struct {
	Key   string
	Value []byte
}

// Notification reports a change to one key.
type Notification struct {
	Key string
	// Deleted is true if the key was removed.
	Deleted bool
	// Resync is true when the change cannot be attributed to a single key
	// and the whole prefix must be listed again.
	Resync bool
}

// NotificationStream delivers notifications in commit order.
type NotificationStream interface {
	// Next blocks until a notification arrives or ctx is done.
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// Store is the subset of a coordination store the discovery feed needs.
type Store interface {
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// PutEphemeral writes a key that vanishes with the writer's session.
	PutEphemeral(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the direct children of prefix, which must end with '/'.
	List(ctx context.Context, prefix string) ([]KV, error)
	// Notifications subscribes to changes made after the call.
	Notifications(ctx context.Context) (NotificationStream, error)
	Close() error
}
