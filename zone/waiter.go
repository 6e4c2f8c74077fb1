package zone

// Waiter is implemented by any object that can queue on a hash lock, PBN
// lock, or logical (per-LBN) lock. Each concrete waiter type (a data-VIO,
// a pbnlock waiter, ...) embeds a field of its own link type and exposes it
// through Next/SetNext, so WaiterList never allocates a wrapper node —
// this is the intrusive queue abstraction called for in place of the
// source's circular next_waiter list: same O(1) append/pop and FIFO
// ordering, expressed through an interface instead of raw pointer
// arithmetic into a containing struct.
type Waiter interface {
	Next() Waiter
	SetNext(Waiter)
}

// Link is embedded by value in concrete waiter types to provide the
// intrusive next pointer; concrete types forward Next/SetNext to it.
type Link struct {
	next Waiter
}

// Next returns the next waiter in the list, or nil at the tail.
func (l *Link) Next() Waiter { return l.next }

// SetNext sets the next waiter in the list.
func (l *Link) SetNext(w Waiter) { l.next = w }

// WaiterList is an intrusive, allocation-free FIFO of Waiters.
type WaiterList struct {
	head, tail Waiter
	length     int
}

// Enqueue appends w to the tail of the list. w must not already be linked
// into any list.
func (l *WaiterList) Enqueue(w Waiter) {
	w.SetNext(nil)
	if l.tail == nil {
		l.head, l.tail = w, w
	} else {
		l.tail.SetNext(w)
		l.tail = w
	}
	l.length++
}

// Dequeue removes and returns the head of the list, or nil if empty.
func (l *WaiterList) Dequeue() Waiter {
	w := l.head
	if w == nil {
		return nil
	}
	l.head = w.Next()
	if l.head == nil {
		l.tail = nil
	}
	w.SetNext(nil)
	l.length--
	return w
}

// Len reports the number of queued waiters.
func (l *WaiterList) Len() int { return l.length }

// Empty reports whether the list has no waiters.
func (l *WaiterList) Empty() bool { return l.head == nil }

// DrainAll pops every waiter in FIFO order, invoking fn on each. It is
// used when a lock transitions to a state where every waiter should
// proceed identically (e.g. hash-lock UNLOCKING: all waiters adopt the
// decided PBN).
func (l *WaiterList) DrainAll(fn func(Waiter)) {
	for w := l.Dequeue(); w != nil; w = l.Dequeue() {
		fn(w)
	}
}
