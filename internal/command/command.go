// Package command translates session and topic route lifecycle events into
// commands for the remote routing service.
//
// Building a command is pure: the resource path comes from a Naming strategy,
// the configuration body from a ConfigProvider, and nothing is sent anywhere.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/partition-router/prouter/internal/routing"
)

var (
	// ErrInvalidKey is returned when a session or route cannot name a
	// remote resource.
	ErrInvalidKey = errors.New("command: invalid key")

	// ErrInvalidAction is returned for an action other than create or delete.
	ErrInvalidAction = errors.New("command: invalid action")

	// ErrNilStrategy is returned when a builder is created without a naming
	// or configuration strategy.
	ErrNilStrategy = errors.New("command: nil strategy")
)

// Action is what the remote service should do with a resource.
type Action int

const (
	ActionCreate Action = iota + 1
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether a is a defined action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionDelete
}

// ParseAction converts "create"/"delete" (any case) to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return ActionCreate, nil
	case "delete":
		return ActionDelete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAction, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Command is one request to the remote routing service.
type Command struct {
	Action       Action
	ResourcePath string
	// ConfigBody is set for creates only.
	ConfigBody  string
	Description string

	Session routing.Session
	// Route is nil for session commands.
	Route *routing.TopicRoute
}

// Kind returns "session" or "route".
func (c Command) Kind() string {
	if c.Route == nil {
		return "session"
	}
	return "route"
}

// Fields returns the structured logging fields identifying the command.
func (c Command) Fields() map[string]any {
	fields := map[string]any{
		"action":    c.Action.String(),
		"kind":      c.Kind(),
		"path":      c.ResourcePath,
		"topic":     c.Session.Topic,
		"partition": c.Session.Partition,
	}
	if c.Route != nil {
		fields["type"] = c.Route.Type
		fields["direction"] = c.Route.Direction.String()
	}
	return fields
}

func (c Command) String() string {
	return c.Description
}

// Builder renders commands from lifecycle events.
type Builder struct {
	naming Naming
	config ConfigProvider
}

// NewBuilder returns a Builder using the given strategies.
func NewBuilder(naming Naming, config ConfigProvider) (*Builder, error) {
	if naming == nil || config == nil {
		return nil, ErrNilStrategy
	}
	return &Builder{naming: naming, config: config}, nil
}

// SessionCommand builds the command creating or deleting session s.
func (b *Builder) SessionCommand(s routing.Session, action Action) (Command, error) {
	if err := validateSession(s); err != nil {
		return Command{}, err
	}
	if !action.Valid() {
		return Command{}, fmt.Errorf("%w: %d", ErrInvalidAction, int(action))
	}

	cmd := Command{
		Action:       action,
		ResourcePath: b.naming.SessionPath(s),
		Description:  fmt.Sprintf("%s session %s", action, s),
		Session:      s,
	}
	if action == ActionCreate {
		body, err := b.config.SessionConfig(s)
		if err != nil {
			return Command{}, fmt.Errorf("command: session %s config: %w", s, err)
		}
		cmd.ConfigBody = body
	}
	return cmd, nil
}

// TopicRouteCommand builds the command creating or deleting route r in
// session s.
func (b *Builder) TopicRouteCommand(s routing.Session, r routing.TopicRoute, action Action) (Command, error) {
	if err := validateSession(s); err != nil {
		return Command{}, err
	}
	if err := validateRoute(s, r); err != nil {
		return Command{}, err
	}
	if !action.Valid() {
		return Command{}, fmt.Errorf("%w: %d", ErrInvalidAction, int(action))
	}

	route := r
	cmd := Command{
		Action:       action,
		ResourcePath: b.naming.TopicRoutePath(s, r),
		Description:  fmt.Sprintf("%s route %s in session %s", action, r, s),
		Session:      s,
		Route:        &route,
	}
	if action == ActionCreate {
		body, err := b.config.TopicRouteConfig(s, r)
		if err != nil {
			return Command{}, fmt.Errorf("command: route %s config: %w", r, err)
		}
		cmd.ConfigBody = body
	}
	return cmd, nil
}

func validateSession(s routing.Session) error {
	if s.Topic == "" {
		return fmt.Errorf("%w: session without topic", ErrInvalidKey)
	}
	return nil
}

func validateRoute(s routing.Session, r routing.TopicRoute) error {
	switch {
	case !r.Direction.Valid():
		return fmt.Errorf("%w: route %s has no direction", ErrInvalidKey, r)
	case r.Topic == "":
		return fmt.Errorf("%w: route without topic", ErrInvalidKey)
	case r.Topic != s.Topic:
		return fmt.Errorf("%w: route topic %q outside session %s", ErrInvalidKey, r.Topic, s)
	}
	return nil
}
