package bridge

// ring is a fixed-capacity FIFO of events pending publication. When full,
// pushing drops the oldest buffered event.
type ring struct {
	buf  []Event
	head int
	n    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

// push appends ev, reporting whether an older event was dropped to make room.
func (r *ring) push(ev Event) bool {
	dropped := false
	if r.n == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		dropped = true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = ev
	r.n++
	return dropped
}

func (r *ring) pop() (Event, bool) {
	if r.n == 0 {
		return Event{}, false
	}
	ev := r.buf[r.head]
	r.buf[r.head] = Event{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return ev, true
}

func (r *ring) len() int { return r.n }
