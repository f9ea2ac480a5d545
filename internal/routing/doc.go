// Package routing defines the identity types shared by the observer and the
// commander.
//
// A Session is the routing container the remote routing service keeps for one
// (topic, partition) pair. A TopicRoute is one directional data path inside a
// session:
//
//	Session{Topic: "Square", Partition: "A"}
//	  └── TopicRoute{Direction: OUT, Topic: "Square", Type: "ShapeType"}
//	  └── TopicRoute{Direction: IN,  Topic: "Square", Type: "ShapeType"}
//
// Participants (publishers and subscribers) are identified by an opaque Handle
// which is only ever used as a reference-count token.
//
// All types in this package are comparable and safe to use as map keys.
package routing
