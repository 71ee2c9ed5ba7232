package ddp

import (
	"encoding/json"
)

// events are emitted on the client receive goroutine, in message order.
// Callbacks must not block.
type Event interface {
	EventType() string
}

type EventFunction func(event Event)

// (outbound, frame)
type FrameFunction func(outbound bool, frame []byte)

type ConnectedEvent struct {
	Session string
}

func (self *ConnectedEvent) EventType() string { return "connected" }

type MethodResultEvent struct {
	Id     string
	Result json.RawMessage
	Err    *RemoteCallError
}

func (self *MethodResultEvent) EventType() string { return "result" }

type FieldSetEvent struct {
	Collection string
	DocumentId string
	Key        string
	Value      json.RawMessage
}

func (self *FieldSetEvent) EventType() string { return "set" }

type FieldUnsetEvent struct {
	Collection string
	DocumentId string
	Key        string
}

func (self *FieldUnsetEvent) EventType() string { return "unset" }

type DocumentRemovedEvent struct {
	Collection string
	DocumentId string
}

func (self *DocumentRemovedEvent) EventType() string { return "removed" }

type SubReadyEvent struct {
	Id string
}

func (self *SubReadyEvent) EventType() string { return "ready" }

// emitted for every `nosub`, including subscriptions the server ends after they were ready
type NoSubEvent struct {
	Err *NoSuchSubscriptionError
}

func (self *NoSubEvent) EventType() string { return "nosub" }

type ProtocolErrorEvent struct {
	Err *ProtocolError
}

func (self *ProtocolErrorEvent) EventType() string { return "error" }

type ClosedEvent struct {
	Err error
	// the client closed the connection, as opposed to the server or the network
	ClosedByClient bool
}

func (self *ClosedEvent) EventType() string { return "closed" }
