// Package remote defines the contract with the remote routing service and
// provides a gRPC binding for it plus an in-memory implementation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/partition-router/prouter/internal/command"
)

var (
	// ErrTimeout is returned when the remote service did not answer within
	// the attempt deadline.
	ErrTimeout = errors.New("remote: timeout")

	// ErrUnavailable is returned when the remote service cannot be reached.
	ErrUnavailable = errors.New("remote: unavailable")

	// ErrInvalidStatus is returned when a status string cannot be parsed.
	ErrInvalidStatus = errors.New("remote: invalid status")
)

// Status is the outcome reported by the remote service.
type Status int

const (
	StatusOK Status = iota + 1
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s != StatusOK && s != StatusError {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "OK":
		*s = StatusOK
	case "ERROR":
		*s = StatusError
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, text)
	}
	return nil
}

// Response is the remote service's answer to one command.
type Response struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the command was applied.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// Request is the wire form of a command.
type Request struct {
	Action       command.Action `json:"action"`
	ResourcePath string         `json:"resourcePath"`
	ConfigBody   string         `json:"configBody,omitempty"`
}

// NewRequest strips a command down to what the remote service needs.
func NewRequest(cmd command.Command) Request {
	return Request{
		Action:       cmd.Action,
		ResourcePath: cmd.ResourcePath,
		ConfigBody:   cmd.ConfigBody,
	}
}

// Client sends commands to the remote routing service. The context carries
// the per-attempt deadline; a missed deadline is reported as ErrTimeout.
type Client interface {
	Send(ctx context.Context, cmd command.Command) (Response, error)
}

// ClientFunc adapts a function to a Client.
type ClientFunc func(ctx context.Context, cmd command.Command) (Response, error)

// Send implements Client.
func (f ClientFunc) Send(ctx context.Context, cmd command.Command) (Response, error) {
	return f(ctx, cmd)
}
