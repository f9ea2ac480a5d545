// Package discovery feeds participant records from a coordination store into
// a Sink.
//
// Every publisher or subscriber is announced as one ephemeral key:
//
//	<prefix>/in/<handle>   subscribers
//	<prefix>/out/<handle>  publishers
//
// whose value is the JSON encoding of a routing.Participant. A Watcher lists
// the existing keys on start and then follows the store's notifications,
// translating creations, updates and deletions into Discovered, Modified and
// Lost calls.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/partition-router/prouter/internal/routing"
)

// DefaultPrefix is the key prefix participants are announced under.
const DefaultPrefix = "/prouter/participants"

var (
	// ErrInvalidRecord is returned when a participant record cannot be used.
	ErrInvalidRecord = errors.New("discovery: invalid participant record")
)

// Sink consumes the discovery feed. *observer.Observer implements it.
type Sink interface {
	Discovered(p routing.Participant)
	Modified(p routing.Participant)
	Lost(p routing.Participant)
}

// DirectoryKey returns the key prefix holding participants of direction d.
func DirectoryKey(prefix string, d routing.Direction) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.ToLower(d.String()) + "/"
}

// ParticipantKey returns the key a participant is announced under.
func ParticipantKey(prefix string, p routing.Participant) string {
	return DirectoryKey(prefix, p.Direction) + url.PathEscape(string(p.Handle))
}

// EncodeParticipant validates p and returns its stored form.
func EncodeParticipant(p routing.Participant) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeParticipant parses and validates a stored record.
func DecodeParticipant(data []byte) (routing.Participant, error) {
	var p routing.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return routing.Participant{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := validate(p); err != nil {
		return routing.Participant{}, err
	}
	return p, nil
}

func validate(p routing.Participant) error {
	switch {
	case p.Handle == "":
		return fmt.Errorf("%w: missing handle", ErrInvalidRecord)
	case !p.Direction.Valid():
		return fmt.Errorf("%w: handle %s has no direction", ErrInvalidRecord, p.Handle)
	case p.Topic == "":
		return fmt.Errorf("%w: handle %s has no topic", ErrInvalidRecord, p.Handle)
	}
	return nil
}
