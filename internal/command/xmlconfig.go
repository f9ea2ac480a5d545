package command

import (
	"encoding/xml"
	"fmt"

	"github.com/partition-router/prouter/internal/routing"
)

// ConfigProvider renders the configuration body sent with create commands.
type ConfigProvider interface {
	SessionConfig(s routing.Session) (string, error)
	TopicRouteConfig(s routing.Session, r routing.TopicRoute) (string, error)
}

// Default participant names on either side of a domain route.
const (
	DefaultLocalParticipant  = "local"
	DefaultRemoteParticipant = "remote"
)

// XMLConfig renders routing service XML. Sessions pin their partition on both
// the publisher and subscriber side; routes read from one participant and
// write to the other depending on direction.
type XMLConfig struct {
	LocalParticipant  string
	RemoteParticipant string
}

// DefaultXMLConfig returns an XMLConfig with the default participant names.
func DefaultXMLConfig() XMLConfig {
	return XMLConfig{
		LocalParticipant:  DefaultLocalParticipant,
		RemoteParticipant: DefaultRemoteParticipant,
	}
}

type xmlPartition struct {
	Names []string `xml:"partition>name>element"`
}

type xmlSession struct {
	XMLName       xml.Name      `xml:"session"`
	Name          string        `xml:"name,attr"`
	PublisherQoS  *xmlPartition `xml:"publisher_qos,omitempty"`
	SubscriberQoS *xmlPartition `xml:"subscriber_qos,omitempty"`
}

type xmlEndpoint struct {
	Participant string `xml:"participant,attr"`
	TopicName   string `xml:"topic_name"`
	TypeName    string `xml:"registered_type_name"`
}

type xmlTopicRoute struct {
	XMLName xml.Name    `xml:"topic_route"`
	Name    string      `xml:"name,attr"`
	Input   xmlEndpoint `xml:"input"`
	Output  xmlEndpoint `xml:"output"`
}

// SessionConfig implements ConfigProvider. The default partition carries no
// partition QoS at all.
func (c XMLConfig) SessionConfig(s routing.Session) (string, error) {
	doc := xmlSession{Name: SessionName(s)}
	if s.Partition != routing.DefaultPartition {
		qos := &xmlPartition{Names: []string{s.Partition}}
		doc.PublisherQoS = qos
		doc.SubscriberQoS = qos
	}
	return marshalXML(doc)
}

// TopicRouteConfig implements ConfigProvider. OUT routes carry local
// publications to the remote side; IN routes carry remote publications to
// local subscribers.
func (c XMLConfig) TopicRouteConfig(_ routing.Session, r routing.TopicRoute) (string, error) {
	from, to := c.local(), c.remote()
	switch r.Direction {
	case routing.DirectionOut:
	case routing.DirectionIn:
		from, to = to, from
	default:
		return "", fmt.Errorf("%w: %s", routing.ErrUnknownDirection, r)
	}

	doc := xmlTopicRoute{
		Name:   TopicRouteName(r),
		Input:  xmlEndpoint{Participant: from, TopicName: r.Topic, TypeName: r.Type},
		Output: xmlEndpoint{Participant: to, TopicName: r.Topic, TypeName: r.Type},
	}
	return marshalXML(doc)
}

func (c XMLConfig) local() string {
	if c.LocalParticipant == "" {
		return DefaultLocalParticipant
	}
	return c.LocalParticipant
}

func (c XMLConfig) remote() string {
	if c.RemoteParticipant == "" {
		return DefaultRemoteParticipant
	}
	return c.RemoteParticipant
}

func marshalXML(v any) (string, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
