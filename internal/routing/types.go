package routing

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPartition is the partition a participant belongs to when it
// advertises no partitions at all.
const DefaultPartition = ""

// ErrUnknownDirection is returned when a direction string cannot be parsed.
var ErrUnknownDirection = errors.New("routing: unknown direction")

// Direction tells which side of the overlay a route carries data for.
type Direction int

const (
	// DirectionIn is subscription-facing: data flows toward subscribers.
	DirectionIn Direction = iota + 1
	// DirectionOut is publication-facing: data flows from publishers.
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether d is one of the defined directions.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// ParseDirection converts "in"/"out" (any case) to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirection, int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Handle is the stable identity of a discovered participant.
type Handle string

// Session identifies the routing container for one (topic, partition).
type Session struct {
	Topic     string
	Partition string
}

func (s Session) String() string {
	return s.Topic + "(" + s.Partition + ")"
}

// TopicRoute identifies one directional data path inside a session.
type TopicRoute struct {
	Direction Direction
	Topic     string
	Type      string
}

func (r TopicRoute) String() string {
	return r.Topic + "(" + r.Type + ")-" + r.Direction.String()
}

// Participant is one discovered publisher or subscriber record.
type Participant struct {
	Handle     Handle    `json:"handle"`
	Direction  Direction `json:"direction"`
	Topic      string    `json:"topic"`
	Type       string    `json:"type"`
	Partitions []string  `json:"partitions,omitempty"`
}

// Route returns the topic route this participant contributes to.
func (p Participant) Route() TopicRoute {
	return TopicRoute{Direction: p.Direction, Topic: p.Topic, Type: p.Type}
}

// NormalizedPartitions returns the advertised partitions with duplicates
// removed in first-seen order. An empty list yields [DefaultPartition].
func (p Participant) NormalizedPartitions() []string {
	if len(p.Partitions) == 0 {
		return []string{DefaultPartition}
	}
	seen := make(map[string]struct{}, len(p.Partitions))
	out := make([]string, 0, len(p.Partitions))
	for _, partition := range p.Partitions {
		if _, ok := seen[partition]; ok {
			continue
		}
		seen[partition] = struct{}{}
		out = append(out, partition)
	}
	return out
}

// Fields returns the identification used in log lines.
func (p Participant) Fields() map[string]any {
	return map[string]any{
		"handle":     string(p.Handle),
		"direction":  p.Direction.String(),
		"topic":      p.Topic,
		"type":       p.Type,
		"partitions": p.Partitions,
	}
}
