package vmm

// link holds the neighbours of an element on one tailq.
type link[T any] struct {
	next, prev *T
	linked     bool
}

// tailq is an intrusive doubly linked list. Elements embed one link per list
// they can be on and the list reaches it through the at accessor.
type tailq[T any] struct {
	head, tail *T
	len        int
	at         func(*T) *link[T]
}

func newTailq[T any](at func(*T) *link[T]) tailq[T] {
	return tailq[T]{at: at}
}

func (q *tailq[T]) first() *T { return q.head }

func (q *tailq[T]) last() *T { return q.tail }

func (q *tailq[T]) next(el *T) *T { return q.at(el).next }

func (q *tailq[T]) prev(el *T) *T { return q.at(el).prev }

func (q *tailq[T]) empty() bool { return q.head == nil }

// contains reports whether el is linked through the list's link. An element
// can only be linked on one list per link field.
func (q *tailq[T]) contains(el *T) bool { return q.at(el).linked }

func (q *tailq[T]) insertHead(el *T) {
	l := q.at(el)
	l.prev, l.next, l.linked = nil, q.head, true
	if q.head != nil {
		q.at(q.head).prev = el
	} else {
		q.tail = el
	}
	q.head = el
	q.len++
}

func (q *tailq[T]) insertTail(el *T) {
	l := q.at(el)
	l.next, l.prev, l.linked = nil, q.tail, true
	if q.tail != nil {
		q.at(q.tail).next = el
	} else {
		q.head = el
	}
	q.tail = el
	q.len++
}

func (q *tailq[T]) remove(el *T) {
	l := q.at(el)
	if l.prev != nil {
		q.at(l.prev).next = l.next
	} else {
		q.head = l.next
	}
	if l.next != nil {
		q.at(l.next).prev = l.prev
	} else {
		q.tail = l.prev
	}
	l.next, l.prev, l.linked = nil, nil, false
	q.len--
}

// concat appends every element of other to q and leaves other empty.
func (q *tailq[T]) concat(other *tailq[T]) {
	if other.head == nil {
		return
	}
	if q.tail == nil {
		q.head = other.head
	} else {
		q.at(q.tail).next = other.head
		q.at(other.head).prev = q.tail
	}
	q.tail = other.tail
	q.len += other.len
	other.head, other.tail, other.len = nil, nil, 0
}
