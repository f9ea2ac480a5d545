package command

import (
	"net/url"
	"path"

	"github.com/partition-router/prouter/internal/routing"
)

// Naming derives remote resource paths from session and route identities.
// Implementations must be deterministic.
type Naming interface {
	SessionPath(s routing.Session) string
	TopicRoutePath(s routing.Session, r routing.TopicRoute) string
}

// ServicePathNaming places sessions under one domain route of one routing
// service:
//
//	/routing_services/<service>/domain_routes/<domainRoute>/sessions/<topic>(<partition>)
//	.../sessions/<topic>(<partition>)/routes/<topic>(<type>)-<DIR>
type ServicePathNaming struct {
	Service     string
	DomainRoute string
}

// SessionPath implements Naming.
func (n ServicePathNaming) SessionPath(s routing.Session) string {
	return path.Join(
		"/routing_services", url.PathEscape(n.Service),
		"domain_routes", url.PathEscape(n.DomainRoute),
		"sessions", SessionName(s),
	)
}

// TopicRoutePath implements Naming.
func (n ServicePathNaming) TopicRoutePath(s routing.Session, r routing.TopicRoute) string {
	return path.Join(n.SessionPath(s), "routes", TopicRouteName(r))
}

// SessionName is the resource name of a session: topic(partition), with both
// components escaped.
func SessionName(s routing.Session) string {
	return url.PathEscape(s.Topic) + "(" + url.PathEscape(s.Partition) + ")"
}

// TopicRouteName is the resource name of a route: topic(type)-DIR, with topic
// and type escaped.
func TopicRouteName(r routing.TopicRoute) string {
	return url.PathEscape(r.Topic) + "(" + url.PathEscape(r.Type) + ")-" + r.Direction.String()
}
