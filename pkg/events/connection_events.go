package events

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// Kind is the variant of a connection lifecycle event.
type Kind int

const (
	Created Kind = iota
	Deleted
	Disconnected
	Reconnected
	ComponentBound
	ComponentUnbound
	StateChanged
	Error
)

var kindNames = [...]string{
	Created:          "created",
	Deleted:          "deleted",
	Disconnected:     "disconnected",
	Reconnected:      "reconnected",
	ComponentBound:   "component_bound",
	ComponentUnbound: "component_unbound",
	StateChanged:     "state_changed",
	Error:            "error",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is a connection lifecycle notification. Which fields are meaningful
// depends on Kind:
//
//	ComponentBound    Component, Binding
//	ComponentUnbound  Component
//	StateChanged      OldActive, NewActive
//	Error             Message
type Event struct {
	Kind       Kind
	Connection models.ConnectionID
	Component  models.ComponentID
	Binding    models.BindingType
	OldActive  bool
	NewActive  bool
	Message    string
}

// ConnectionBus carries connection lifecycle events.
type ConnectionBus = Bus[Event]

// NewConnectionBus returns an empty connection event bus.
func NewConnectionBus(logger *zap.Logger) *ConnectionBus {
	return NewBus[Event](logger)
}

func NewCreated(id models.ConnectionID) Event      { return Event{Kind: Created, Connection: id} }
func NewDeleted(id models.ConnectionID) Event      { return Event{Kind: Deleted, Connection: id} }
func NewDisconnected(id models.ConnectionID) Event { return Event{Kind: Disconnected, Connection: id} }
func NewReconnected(id models.ConnectionID) Event  { return Event{Kind: Reconnected, Connection: id} }

func NewComponentBound(id models.ConnectionID, component models.ComponentID, binding models.BindingType) Event {
	return Event{Kind: ComponentBound, Connection: id, Component: component, Binding: binding}
}

func NewComponentUnbound(id models.ConnectionID, component models.ComponentID) Event {
	return Event{Kind: ComponentUnbound, Connection: id, Component: component}
}

func NewStateChanged(id models.ConnectionID, oldActive, newActive bool) Event {
	return Event{Kind: StateChanged, Connection: id, OldActive: oldActive, NewActive: newActive}
}

func NewError(id models.ConnectionID, message string) Event {
	return Event{Kind: Error, Connection: id, Message: message}
}

// Fields renders the event as zap fields.
func (e Event) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Stringer("kind", e.Kind),
		zap.Stringer("connection_id", e.Connection),
	}
	switch e.Kind {
	case ComponentBound:
		fields = append(fields, zap.Stringer("component_id", e.Component), zap.Stringer("binding", e.Binding))
	case ComponentUnbound:
		fields = append(fields, zap.Stringer("component_id", e.Component))
	case StateChanged:
		fields = append(fields, zap.Bool("old_active", e.OldActive), zap.Bool("new_active", e.NewActive))
	case Error:
		fields = append(fields, zap.String("message", e.Message))
	}
	return fields
}

// LoggingSubscriber returns a handler that logs every event. Errors are
// logged at warn level, everything else at debug.
func LoggingSubscriber(logger *zap.Logger) func(Event) {
	logger = logger.Named("events")
	return func(e Event) {
		if e.Kind == Error {
			logger.Warn("Connection error", e.Fields()...)
			return
		}
		logger.Debug("Connection event", e.Fields()...)
	}
}
