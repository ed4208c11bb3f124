package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	defer unsub()

	bus.PublishStatus("agent-1", "running", "waiting")

	select {
	case event := <-events:
		if event.Type != EventAgentStatus {
			t.Errorf("expected EventAgentStatus, got %v", event.Type)
		}
		if event.Subject != "agent-1" {
			t.Errorf("expected subject agent-1, got %v", event.Subject)
		}
		change, ok := event.Data.(StatusChange)
		if !ok || change.To != "waiting" {
			t.Errorf("unexpected payload %#v", event.Data)
		}
		if event.Time.IsZero() {
			t.Error("expected event time to be stamped")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	events1, unsub1 := bus.Subscribe()
	defer unsub1()
	events2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Publish(Event{Type: EventTaskCreated, Subject: "task-1"})

	for i, ch := range []<-chan Event{events1, events2} {
		select {
		case e := <-ch:
			if e.Subject != "task-1" {
				t.Errorf("subscriber %d: got subject %q", i, e.Subject)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout", i)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	unsub()
	unsub()

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	if _, ok := <-events; ok {
		t.Error("expected channel to be closed")
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New()
	defer bus.Close()

	_, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: EventAgentOutput})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusClose(t *testing.T) {
	bus := New()
	events, _ := bus.Subscribe()

	bus.Close()
	bus.Close()
	bus.Publish(Event{Type: EventTaskDeleted})

	if _, ok := <-events; ok {
		t.Error("expected channel to be closed")
	}
	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("expected subscription after close to be closed")
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()
	events, unsub := bus.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: EventAgentUpdated})
		}()
	}
	wg.Wait()

	if got := len(events); got != 10 {
		t.Errorf("expected 10 buffered events, got %d", got)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: EventAgentUpdated})
}
