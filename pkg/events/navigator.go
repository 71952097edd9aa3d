package events

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// NavigatorKind is an event the navigator panel reacts to.
type NavigatorKind int

const (
	ConnectionAdded NavigatorKind = iota
	ConnectionConnected
	ConnectionDisconnected
	ConnectionDeleted
	ObjectSelected
	StructureExpanded
)

var navigatorKindNames = [...]string{
	ConnectionAdded:        "connection_added",
	ConnectionConnected:    "connection_connected",
	ConnectionDisconnected: "connection_disconnected",
	ConnectionDeleted:      "connection_deleted",
	ObjectSelected:         "object_selected",
	StructureExpanded:      "structure_expanded",
}

func (k NavigatorKind) String() string {
	if k >= 0 && int(k) < len(navigatorKindNames) {
		return navigatorKindNames[k]
	}
	return fmt.Sprintf("navigator(%d)", int(k))
}

// NavigatorEvent is what the rendering layer subscribes to. NodeID is set
// for ObjectSelected and StructureExpanded.
type NavigatorEvent struct {
	Kind       NavigatorKind
	Connection models.ConnectionID
	NodeID     string
}

// NavigatorBus carries navigator events.
type NavigatorBus = Bus[NavigatorEvent]

// NewNavigatorBus returns an empty navigator event bus.
func NewNavigatorBus(logger *zap.Logger) *NavigatorBus {
	return NewBus[NavigatorEvent](logger)
}

// TranslateForNavigator maps a connection event to the navigator event it
// implies, if any.
func TranslateForNavigator(e Event) (NavigatorEvent, bool) {
	switch e.Kind {
	case Created:
		return NavigatorEvent{Kind: ConnectionAdded, Connection: e.Connection}, true
	case Deleted:
		return NavigatorEvent{Kind: ConnectionDeleted, Connection: e.Connection}, true
	case Disconnected:
		return NavigatorEvent{Kind: ConnectionDisconnected, Connection: e.Connection}, true
	case StateChanged:
		if e.NewActive {
			return NavigatorEvent{Kind: ConnectionConnected, Connection: e.Connection}, true
		}
		return NavigatorEvent{Kind: ConnectionDisconnected, Connection: e.Connection}, true
	}
	return NavigatorEvent{}, false
}

// BridgeToNavigator forwards translated connection events to nav. The
// returned token unsubscribes the bridge from conn.
func BridgeToNavigator(conn *ConnectionBus, nav *NavigatorBus) Subscription {
	return conn.Subscribe(func(e Event) {
		if ne, ok := TranslateForNavigator(e); ok {
			nav.Emit(ne)
		}
	})
}
