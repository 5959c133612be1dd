package event

import "testing"

type pingEvent struct{ n int }

func TestFeedFanOut(t *testing.T) {
	var f Feed
	a := f.Subscribe(4)
	b := f.Subscribe(4)

	f.Send(pingEvent{n: 1})
	f.Send(pingEvent{n: 2})

	for _, sub := range []*Subscription{a, b} {
		for want := 1; want <= 2; want++ {
			got := (<-sub.Chan()).(pingEvent)
			if got.n != want {
				t.Fatalf("got %d, want %d", got.n, want)
			}
		}
	}
}

func TestFeedSendDoesNotBlockOnFullSubscriber(t *testing.T) {
	var f Feed
	sub := f.Subscribe(1)
	f.Send(pingEvent{n: 1})
	f.Send(pingEvent{n: 2}) // sub's buffer is full; this must not block

	got := (<-sub.Chan()).(pingEvent)
	if got.n != 1 {
		t.Fatalf("got %d, want 1", got.n)
	}
}

func TestSubscriptionUnsubscribeClosesChannel(t *testing.T) {
	var f Feed
	sub := f.Subscribe(1)
	sub.Unsubscribe()
	sub.Unsubscribe() // must be safe to call twice

	if _, ok := <-sub.Chan(); ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestFeedCloseDetachesAllSubscribers(t *testing.T) {
	var f Feed
	a := f.Subscribe(1)
	b := f.Subscribe(1)
	f.Close()

	if _, ok := <-a.Chan(); ok {
		t.Fatal("expected a's channel closed after Feed.Close")
	}
	if _, ok := <-b.Chan(); ok {
		t.Fatal("expected b's channel closed after Feed.Close")
	}

	// Send after Close must not panic even though subs is nil.
	f.Send(pingEvent{n: 3})
}
