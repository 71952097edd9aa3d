package events

import "go.uber.org/zap"

// LoadKind is the phase of a schema tree load.
type LoadKind int

const (
	LoadStarted LoadKind = iota
	LoadCompleted
	LoadFailed
	CacheCleared
)

func (k LoadKind) String() string {
	switch k {
	case LoadStarted:
		return "load_started"
	case LoadCompleted:
		return "load_completed"
	case LoadFailed:
		return "load_failed"
	case CacheCleared:
		return "cache_cleared"
	}
	return "unknown"
}

// LoadEvent reports schema tree loader progress. Pattern is only set for
// CacheCleared.
type LoadEvent struct {
	Kind     LoadKind
	ParentID string
	CacheKey string
	Count    int
	Err      string
	Pattern  string
}

// LoadBus carries schema tree loader events.
type LoadBus = Bus[LoadEvent]

// NewLoadBus returns an empty loader event bus.
func NewLoadBus(logger *zap.Logger) *LoadBus {
	return NewBus[LoadEvent](logger)
}
