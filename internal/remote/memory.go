package remote

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/partition-router/prouter/internal/command"
)

const routesSegment = "routes"

// MemoryService is an in-memory routing service. Routes live under their
// session's path and may only exist while the session does: creating a route
// under a missing session, or deleting a session that still has routes, is
// rejected with StatusError. Duplicate creates and deletes of missing
// resources are rejected too.
//
// MemoryService implements both AdminHandler and Client.
type MemoryService struct {
	mu        sync.Mutex
	resources map[string]string
	requests  []Request
	down      bool
}

// NewMemoryService returns an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{resources: make(map[string]string)}
}

// Send implements Client.
func (m *MemoryService) Send(ctx context.Context, cmd command.Command) (Response, error) {
	return m.Execute(ctx, NewRequest(cmd))
}

// Execute implements AdminHandler.
func (m *MemoryService) Execute(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return Response{}, fmt.Errorf("%w: service down", ErrUnavailable)
	}
	m.requests = append(m.requests, req)

	p := req.ResourcePath
	if p == "" || !path.IsAbs(p) {
		return rejected("invalid resource path %q", p), nil
	}

	switch req.Action {
	case command.ActionCreate:
		if _, ok := m.resources[p]; ok {
			return rejected("%s already exists", p), nil
		}
		if parent, ok := parentSession(p); ok {
			if _, exists := m.resources[parent]; !exists {
				return rejected("parent session %s not found", parent), nil
			}
		}
		m.resources[p] = req.ConfigBody
		return Response{Status: StatusOK}, nil

	case command.ActionDelete:
		if _, ok := m.resources[p]; !ok {
			return rejected("%s not found", p), nil
		}
		if children := m.childrenLocked(p); len(children) > 0 {
			return rejected("%s still has %d routes", p, len(children)), nil
		}
		delete(m.resources, p)
		return Response{Status: StatusOK}, nil

	default:
		return rejected("unsupported action %s", req.Action), nil
	}
}

// SetAvailable toggles whether the service answers at all. An unavailable
// service fails every call with ErrUnavailable without recording it.
func (m *MemoryService) SetAvailable(available bool) {
	m.mu.Lock()
	m.down = !available
	m.mu.Unlock()
}

// Paths returns the existing resource paths, sorted.
func (m *MemoryService) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.resources))
	for p := range m.resources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Config returns the configuration body a resource was created with.
func (m *MemoryService) Config(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.resources[p]
	return body, ok
}

// Requests returns every request received, in arrival order.
func (m *MemoryService) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MemoryService) childrenLocked(p string) []string {
	prefix := p + "/" + routesSegment + "/"
	var out []string
	for other := range m.resources {
		if strings.HasPrefix(other, prefix) {
			out = append(out, other)
		}
	}
	return out
}

// parentSession returns the session path of a route path.
func parentSession(p string) (string, bool) {
	dir := path.Dir(p)
	if path.Base(dir) != routesSegment {
		return "", false
	}
	return path.Dir(dir), true
}

func rejected(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}
