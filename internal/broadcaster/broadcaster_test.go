package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscriber, n int) []Event {
	t.Helper()
	var out []Event
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestSubscribeReceivesConnectedEvent(t *testing.T) {
	b := New(8, nil)
	sub, unsub := b.Subscribe(GuestFilter{})
	defer unsub()

	events := drain(t, sub, 1)
	require.Equal(t, EventConnected, events[0].Type)
}

func TestPublishFIFOOrderingPerSubscriber(t *testing.T) {
	b := New(8, nil)
	sub, unsub := b.Subscribe(GuestFilter{})
	defer unsub()
	drain(t, sub, 1) // connected

	b.Publish(Event{Type: EventDetection, Data: "first"})
	b.Publish(Event{Type: EventDetection, Data: "second"})

	events := drain(t, sub, 2)
	require.Equal(t, "first", events[0].Data)
	require.Equal(t, "second", events[1].Data)
}

func TestGuestFilterBlocksHiddenDetections(t *testing.T) {
	b := New(8, nil)
	sub, unsub := b.Subscribe(GuestFilter{IsGuest: true, AllowedCameras: map[string]bool{"front": true}})
	defer unsub()
	drain(t, sub, 1) // connected

	b.Publish(Event{Type: EventDetection, Camera: "front", Hidden: true, OldEnoughForPublic: true})
	b.Publish(Event{Type: EventDetection, Camera: "front", Hidden: false, OldEnoughForPublic: true, Data: "visible"})

	events := drain(t, sub, 1)
	require.Equal(t, "visible", events[0].Data)
}

func TestGuestFilterBlocksDisallowedCamera(t *testing.T) {
	b := New(8, nil)
	sub, unsub := b.Subscribe(GuestFilter{IsGuest: true, AllowedCameras: map[string]bool{"front": true}})
	defer unsub()
	drain(t, sub, 1)

	b.Publish(Event{Type: EventDetection, Camera: "backyard", OldEnoughForPublic: true, Data: "nope"})
	b.Publish(Event{Type: EventDetection, Camera: "front", OldEnoughForPublic: true, Data: "yes"})

	events := drain(t, sub, 1)
	require.Equal(t, "yes", events[0].Data)
}

func TestOverflowDropsOldestAndNotifiesOnlyThatSubscriber(t *testing.T) {
	b := New(2, nil)
	subA, unsubA := b.Subscribe(GuestFilter{})
	defer unsubA()
	subB, unsubB := b.Subscribe(GuestFilter{})
	defer unsubB()
	drain(t, subA, 1)
	drain(t, subB, 1)

	// subA never reads again; fill past capacity to force an overflow.
	// subB keeps up by draining after every publish.
	var eventsB []Event
	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: EventDetection, Data: i})
		eventsB = append(eventsB, drain(t, subB, 1)...)
	}

	for _, e := range eventsB {
		require.NotEqual(t, EventLag, e.Type, "only the overflowing subscriber should see a lag notice")
	}

	eventsA := drain(t, subA, 2)
	require.Equal(t, 3, eventsA[0].Data, "oldest events are dropped, the newest is kept")
	require.Equal(t, EventLag, eventsA[1].Type, "the overflowing subscriber gets a lag notice")
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	b := New(8, nil)
	_, unsub := b.Subscribe(GuestFilter{})
	require.Equal(t, 1, b.SubscriberCount())
	unsub()
	require.Equal(t, 0, b.SubscriberCount())
}

func TestRunEmitsHeartbeatAtConfiguredInterval(t *testing.T) {
	b := New(8, nil)
	sub, unsub := b.Subscribe(GuestFilter{})
	defer unsub()
	drain(t, sub, 1) // connected event

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, 10*time.Millisecond)
	}()

	events := drain(t, sub, 1)
	require.Equal(t, EventHeartbeat, events[0].Type)
	cancel()
	<-done
}
