package discovery

import (
	"context"
	"fmt"

	"github.com/partition-router/prouter/internal/routing"
)

// Announcer publishes participant records for a Watcher to pick up.
type Announcer struct {
	store  Store
	prefix string
}

// NewAnnouncer creates an announcer writing under prefix. An empty prefix
// means DefaultPrefix.
func NewAnnouncer(store Store, prefix string) (*Announcer, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Announcer{store: store, prefix: prefix}, nil
}

// Announce writes or replaces the record of p. The key is ephemeral: it
// disappears when the store session ends.
func (a *Announcer) Announce(ctx context.Context, p routing.Participant) error {
	value, err := EncodeParticipant(p)
	if err != nil {
		return err
	}
	if err := a.store.PutEphemeral(ctx, ParticipantKey(a.prefix, p), value); err != nil {
		return fmt.Errorf("discovery: announce %s: %w", p.Handle, err)
	}
	return nil
}

// Withdraw removes the record of p.
func (a *Announcer) Withdraw(ctx context.Context, p routing.Participant) error {
	if !p.Direction.Valid() {
		return fmt.Errorf("%w: handle %s has no direction", ErrInvalidRecord, p.Handle)
	}
	if err := a.store.Delete(ctx, ParticipantKey(a.prefix, p)); err != nil {
		return fmt.Errorf("discovery: withdraw %s: %w", p.Handle, err)
	}
	return nil
}
