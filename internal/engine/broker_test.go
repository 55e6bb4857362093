package engine_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/netbridge/internal/engine"
	"github.com/seantiz/netbridge/internal/model"
)

func ev(seq int, typ string) model.Event {
	return model.Event{RequestID: "r1", Seq: seq, Type: typ}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	events := []model.Event{
		ev(0, model.EventResponseStarted),
		ev(1, model.EventReadCompleted),
		ev(2, model.EventSucceeded),
	}
	for _, e := range events {
		b.Publish("r1", e)
	}
	b.Close("r1")

	var got []model.Event
	for e := range ch {
		got = append(got, e)
	}

	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i, e := range got {
		if e.Seq != events[i].Seq || e.Type != events[i].Type {
			t.Errorf("event[%d] = %+v, want %+v", i, e, events[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", ev(0, model.EventCanceled))
	b.Close("r1")

	for i, ch := range []<-chan model.Event{ch1, ch2} {
		var got []model.Event
		for e := range ch {
			got = append(got, e)
		}
		if len(got) != 1 || got[0].Type != model.EventCanceled {
			t.Errorf("subscriber %d got %v", i+1, got)
		}
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish("r1", ev(0, model.EventFailed))
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestEventBrokerCloseWithoutTopic(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("never-subscribed")

	ch, _ := b.Subscribe("never-subscribed")
	if _, ok := <-ch; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", ev(0, model.EventSucceeded))
	b.Close("r1")

	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %+v after unsubscribe", e)
		}
	default:
	}
}

func TestEventBrokerPublishToUnknownRequestIsNoop(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish("nonexistent", ev(0, model.EventSucceeded))
	b.Close("nonexistent")
}

func TestEventBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	for i := range 1000 {
		b.Publish("r1", ev(i, model.EventReadCompleted))
	}
	b.Close("r1")

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 1000 {
		t.Errorf("received %d events, want a bounded non-zero prefix", n)
	}
}

func TestEventBrokerDropsFinishedTopics(t *testing.T) {
	b := engine.NewEventBroker(engine.WithClosedMarkerTTL(10 * time.Millisecond))

	for i := range 100 {
		b.Close(fmt.Sprintf("done-%d", i))
	}
	if n := b.Len(); n != 100 {
		t.Fatalf("topics right after Close = %d, want 100 markers", n)
	}

	time.Sleep(20 * time.Millisecond)
	ch, unsub := b.Subscribe("done-0")
	if n := b.Len(); n != 1 {
		t.Errorf("topics after markers expired = %d, want only the new subscription", n)
	}
	unsub()
	select {
	case <-ch:
		t.Error("subscription to an expired marker was closed, want an open topic")
	default:
	}
	if n := b.Len(); n != 0 {
		t.Errorf("topics after last unsubscribe = %d, want 0", n)
	}
}

func TestEventBrokerUnsubscribeDropsOpenTopic(t *testing.T) {
	b := engine.NewEventBroker()
	_, unsubA := b.Subscribe("r1")
	_, unsubB := b.Subscribe("r1")

	unsubA()
	if n := b.Len(); n != 1 {
		t.Errorf("topics with one subscriber left = %d, want 1", n)
	}
	unsubB()
	if n := b.Len(); n != 0 {
		t.Errorf("topics after last unsubscribe = %d, want 0", n)
	}

	b.Close("r1")
	ch, _ := b.Subscribe("r1")
	if _, ok := <-ch; ok {
		t.Error("subscribe within the marker TTL should return a closed channel")
	}
}
