package pubsub

import "testing"

func TestSubscribeReceivesPublished(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(42)

	got := <-ch
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New[string]()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	// Channel must be closed after unsubscribe.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	if bus.Len() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.Len())
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish("late")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	_, unsubscribe := bus.Subscribe()
	unsubscribe()
	unsubscribe() // must not panic or affect other subscribers
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch1, u1 := bus.Subscribe()
	ch2, u2 := bus.Subscribe()
	defer u1()
	defer u2()

	bus.Publish(7)

	if got := <-ch1; got != 7 {
		t.Errorf("subscriber 1: expected 7, got %d", got)
	}
	if got := <-ch2; got != 7 {
		t.Errorf("subscriber 2: expected 7, got %d", got)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := New[int]()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Overfill the buffer; oldest values get dropped, publisher never blocks.
	for i := 0; i < DefaultBuffer+5; i++ {
		bus.Publish(i)
	}

	first := <-ch
	if first == 0 {
		t.Error("expected oldest values to have been dropped")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := New[int]()
	ch, _ := bus.Subscribe()

	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel closed after bus close")
	}

	// Subscribing after close yields a closed channel.
	ch2, _ := bus.Subscribe()
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel when subscribing to closed bus")
	}
}
