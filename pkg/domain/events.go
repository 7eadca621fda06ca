package domain

import "fmt"

// EventKind classifies a lifecycle event.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventModified
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// MarshalText renders the kind by name on the wire.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind rendered by MarshalText.
func (k *EventKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "added":
		*k = EventAdded
	case "modified":
		*k = EventModified
	case "deleted":
		*k = EventDeleted
	default:
		return fmt.Errorf("unknown event kind %q", text)
	}
	return nil
}

// LifecycleEvent is a domain-level change notification. Added and Modified
// carry the full post-image; Deleted carries a record holding only its id.
type LifecycleEvent struct {
	Kind   EventKind `json:"kind"`
	Record Record    `json:"record"`
}

// Added builds an insert event.
func Added(r Record) LifecycleEvent { return LifecycleEvent{Kind: EventAdded, Record: r} }

// Modified builds an update event.
func Modified(r Record) LifecycleEvent { return LifecycleEvent{Kind: EventModified, Record: r} }

// Deleted builds a delete event for id.
func Deleted(id string) LifecycleEvent {
	return LifecycleEvent{Kind: EventDeleted, Record: Record{ID: id}}
}
