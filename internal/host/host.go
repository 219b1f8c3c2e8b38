package host

import (
	"context"
	"strings"
	"time"
)

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Entity is the surface the host publishes for every registered entity.
type Entity interface {
	Name() string
	State() string
	ShouldPoll() bool
	Icon() string
	Attributes() map[string]string
}

// Subscriber is implemented by entities that hook into host events. The
// registry calls Setup only once the entity name has been accepted.
type Subscriber interface {
	Setup() error
}

type EventHandler func(e Event)

type StateChangeHandler func(c StateChange)

// EventBus delivers named bus events. A listener receives every event of its type.
type EventBus interface {
	Listen(eventType string, h EventHandler) error
}

// StateTracker notifies about state changes of the given entity ids.
type StateTracker interface {
	TrackStateChange(entityIDs []string, h StateChangeHandler) error
}

// CoverService is the host's cover-control surface.
type CoverService interface {
	SetPosition(ctx context.Context, entityID string, position int) error
	Stop(ctx context.Context, entityID string) error
}

// StateWriter publishes the current state and attributes of an entity.
type StateWriter interface {
	WriteState(ctx context.Context, e Entity) error
}

type Task func(ctx context.Context) error

// Scheduler runs tasks on the host's single execution context. A zero delay
// runs the task after the currently running one returns.
type Scheduler interface {
	CallLater(delay time.Duration, t Task)
}

// ObjectID turns an entity name into its object id, the form used in topics
// and as the registry key. Names differing only in case or punctuation share
// one object id.
func ObjectID(name string) string {
	var sb strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && sb.Len() > 0 {
			sb.WriteByte('_')
			underscore = true
		}
	}

	return strings.TrimSuffix(sb.String(), "_")
}
