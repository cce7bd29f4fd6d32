package eventbus

import "sync"

// Recorder keeps the last N events of a subscription in a ring.
type Recorder struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 64
	}
	return &Recorder{buf: make([]Event, size)}
}

func (r *Recorder) Add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns the recorded events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Follow records events from ch until it is closed.
func (r *Recorder) Follow(ch <-chan Event) {
	for e := range ch {
		r.Add(e)
	}
}
