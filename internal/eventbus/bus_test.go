package eventbus

import (
	"testing"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: ReminderFired, Data: "x"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ReminderFired || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: SchedulerTick})
	if e := <-c; e.Type != SchedulerTick {
		t.Fatalf("event = %+v, want scheduler.tick", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	if e := <-ch; e.Type != "one" {
		t.Fatalf("first event = %q, want one", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected buffered event %q", e.Type)
	default:
	}
}

func TestRecorderRing(t *testing.T) {
	t.Parallel()
	r := NewRecorder(3)
	for _, typ := range []string{"a", "b"} {
		r.Add(Event{Type: typ})
	}
	if got := r.Recent(); len(got) != 2 || got[0].Type != "a" {
		t.Fatalf("Recent() = %+v", got)
	}
	for _, typ := range []string{"c", "d", "e"} {
		r.Add(Event{Type: typ})
	}
	got := r.Recent()
	if len(got) != 3 || got[0].Type != "c" || got[2].Type != "e" {
		t.Fatalf("Recent() after wrap = %+v", got)
	}
}
