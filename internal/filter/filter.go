// Package filter decides which discovered participants and partitions take
// part in routing at all.
package filter

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/partition-router/prouter/internal/routing"
)

// ErrNilFilter is returned when a nil filter is registered.
var ErrNilFilter = errors.New("filter: nil filter")

// Filter excludes participants or partitions from routing. Implementations
// must be pure predicates.
type Filter interface {
	// IgnoreParticipant reports whether the whole record is excluded.
	IgnoreParticipant(p routing.Participant) bool
	// IgnorePartition reports whether one partition of a topic is excluded.
	IgnorePartition(topic, partition string) bool
}

// Chain evaluates filters in registration order. The first filter that
// returns true wins. An empty chain ignores nothing.
type Chain struct {
	mu      sync.RWMutex
	filters []Filter
}

// NewChain creates a chain from the given filters.
func NewChain(filters ...Filter) (*Chain, error) {
	c := &Chain{}
	for _, f := range filters {
		if err := c.Add(f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends f to the chain.
func (c *Chain) Add(f Filter) error {
	if f == nil {
		return ErrNilFilter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
	return nil
}

// Len returns the number of registered filters.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// IgnoreParticipant implements Filter.
func (c *Chain) IgnoreParticipant(p routing.Participant) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		if f.IgnoreParticipant(p) {
			return true
		}
	}
	return false
}

// IgnorePartition implements Filter.
func (c *Chain) IgnorePartition(topic, partition string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		if f.IgnorePartition(topic, partition) {
			return true
		}
	}
	return false
}

// DefaultIgnoredTopicPrefixes are the overlay's own builtin topics, which
// must never be routed.
var DefaultIgnoredTopicPrefixes = []string{"rti/", "DCPS"}

// TopicPrefix ignores participants whose topic starts with one of Prefixes.
type TopicPrefix struct {
	Prefixes []string
}

// IgnoreParticipant implements Filter.
func (f TopicPrefix) IgnoreParticipant(p routing.Participant) bool {
	for _, prefix := range f.Prefixes {
		if prefix != "" && strings.HasPrefix(p.Topic, prefix) {
			return true
		}
	}
	return false
}

// IgnorePartition implements Filter.
func (TopicPrefix) IgnorePartition(string, string) bool { return false }

// PartitionGlob ignores partitions matching any of its shell patterns.
type PartitionGlob struct {
	patterns []string
}

// NewPartitionGlob validates the patterns up front so a typo fails at startup
// rather than silently matching nothing.
func NewPartitionGlob(patterns ...string) (*PartitionGlob, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("filter: bad partition pattern %q: %w", p, err)
		}
	}
	return &PartitionGlob{patterns: patterns}, nil
}

// IgnoreParticipant implements Filter.
func (*PartitionGlob) IgnoreParticipant(routing.Participant) bool { return false }

// IgnorePartition implements Filter.
func (f *PartitionGlob) IgnorePartition(_ string, partition string) bool {
	for _, p := range f.patterns {
		if ok, _ := path.Match(p, partition); ok {
			return true
		}
	}
	return false
}

// Regexp ignores participants whose topic or type name matches.
type Regexp struct {
	Topic *regexp.Regexp
	Type  *regexp.Regexp
}

// IgnoreParticipant implements Filter.
func (f Regexp) IgnoreParticipant(p routing.Participant) bool {
	if f.Topic != nil && f.Topic.MatchString(p.Topic) {
		return true
	}
	return f.Type != nil && f.Type.MatchString(p.Type)
}

// IgnorePartition implements Filter.
func (Regexp) IgnorePartition(string, string) bool { return false }

// Func adapts two plain functions to a Filter. Either may be nil.
type Func struct {
	Participant func(routing.Participant) bool
	Partition   func(topic, partition string) bool
}

// IgnoreParticipant implements Filter.
func (f Func) IgnoreParticipant(p routing.Participant) bool {
	return f.Participant != nil && f.Participant(p)
}

// IgnorePartition implements Filter.
func (f Func) IgnorePartition(topic, partition string) bool {
	return f.Partition != nil && f.Partition(topic, partition)
}
