package canlink

import "fmt"

type EventType int

func (et EventType) String() string {
	switch et {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

const (
	EventConnected EventType = iota
	EventDisconnected
)

// Event is emitted whenever a channel's connected flag flips.
type Event struct {
	Type      EventType
	Key       ChannelKey
	Connected bool
	Details   string
}

func (e Event) String() string {
	if e.Details == "" {
		return fmt.Sprintf("[%s] %s", e.Type, e.Key)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Key, e.Details)
}

func connectionEvent(key ChannelKey, connected bool, details string) Event {
	typ := EventDisconnected
	if connected {
		typ = EventConnected
	}
	return Event{Type: typ, Key: key, Connected: connected, Details: details}
}
