// Package event implements a small typed publish/subscribe bus, in the
// same spirit as go-ethereum's event.TypeMux (mux.Subscribe(...), then
// `select { case ev := <-sub.Chan(): }`). Every meshnet component
// publishes a closed sum type of events here instead of wiring ad-hoc
// callbacks.
package event

import "sync"

// Feed fans a stream of events out to any number of subscribers.
// Events are untyped values; one Feed may carry several event types. The zero value is ready to use. A Feed must
// not be copied after first use.
type Feed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is a single subscriber's channel. Closing it (via
// Unsubscribe) detaches it from the Feed; in-flight sends to a closed
// subscription are dropped rather than blocking forever.
type Subscription struct {
	feed    *Feed
	ch      chan interface{}
	closeMu sync.Mutex
	closed  bool
}

// Subscribe registers a new subscriber with the given channel buffer
// size and returns its Subscription.
func (f *Feed) Subscribe(buffer int) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*Subscription]struct{})
	}
	sub := &Subscription{feed: f, ch: make(chan interface{}, buffer)}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers event to every live subscriber. Sends are
// non-blocking: a subscriber whose buffer is full misses the event
// rather than stalling the publisher, matching the cooperative,
// single-owner-goroutine model the rest of meshnet uses (§5).
func (f *Feed) Send(event interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close detaches and closes every current subscriber. Used when a
// component is torn down so subscribers relying on channel-close to
// detect shutdown can do so.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		sub.unsubscribeLocked()
	}
	f.subs = nil
}

// Chan returns the channel new events arrive on.
func (s *Subscription) Chan() <-chan interface{} { return s.ch }

// Unsubscribe detaches the subscription from its Feed and closes its
// channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s)
	s.unsubscribeLocked()
}

func (s *Subscription) unsubscribeLocked() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
