package events

import "sync/atomic"

// ChannelSubscription delivers bus events over a buffered channel. Emitters
// never block: when the buffer is full the event is dropped and counted.
type ChannelSubscription[T any] struct {
	C <-chan T

	bus     *Bus[T]
	token   Subscription
	ch      chan T
	dropped atomic.Int64
	closed  atomic.Bool
}

// SubscribeChannel registers a channel-backed subscriber with the given
// buffer size.
func SubscribeChannel[T any](bus *Bus[T], buffer int) *ChannelSubscription[T] {
	ch := make(chan T, buffer)
	s := &ChannelSubscription[T]{C: ch, bus: bus, ch: ch}
	s.token = bus.Subscribe(s.offer)
	return s
}

func (s *ChannelSubscription[T]) offer(event T) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelSubscription[T]) Dropped() int64 { return s.dropped.Load() }

// Cancel unsubscribes. The channel is left open so a concurrent Emit that
// already snapshotted this subscriber cannot panic; it is garbage once
// unreferenced.
func (s *ChannelSubscription[T]) Cancel() {
	if s.closed.Swap(true) {
		return
	}
	s.bus.Unsubscribe(s.token)
}
