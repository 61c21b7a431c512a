package cache

// EventKind tells listeners what happened to a key.
type EventKind int

const (
	// Updated is sent by Put for new and replaced entries.
	Updated EventKind = iota
	// Removed is sent by Remove when the key existed.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a store mutation delivered to listeners. Value and Previous are
// copies owned by the receiving listener.
type Event[K comparable, V any] struct {
	Kind        EventKind
	Key         K
	Value       V
	Previous    V
	HasPrevious bool
}

// Listener receives store mutation events. A returned error is logged by the
// registry and does not affect other listeners.
type Listener[K comparable, V any] interface {
	OnEvent(event Event[K, V]) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc[K comparable, V any] func(event Event[K, V]) error

// OnEvent calls f(event).
func (f ListenerFunc[K, V]) OnEvent(event Event[K, V]) error {
	return f(event)
}

// Named can be implemented by listeners to be identified in logs and metrics.
type Named interface {
	Name() string
}
