package sdo

// Queue holds pending requests of every slave.
// Requests of a given slave are strictly served in submission order
// and at most one of them is in flight at a time.
type Queue struct {
	depth    int
	pending  map[int][]*Handle
	inFlight map[int]*Handle
}

func NewQueue(depth int) *Queue {
	return &Queue{depth: depth, pending: map[int][]*Handle{}, inFlight: map[int]*Handle{}}
}

func (q *Queue) Push(h *Handle) error {
	slave := h.Request.Slave
	if q.depth > 0 && len(q.pending[slave]) >= q.depth {
		return ErrQueueFull
	}
	q.pending[slave] = append(q.pending[slave], h)
	return nil
}

// Next moves the head of the slave queue in flight if nothing is in flight already
func (q *Queue) Next(slave int) *Handle {
	if h := q.inFlight[slave]; h != nil {
		return nil
	}
	pending := q.pending[slave]
	if len(pending) == 0 {
		return nil
	}
	h := pending[0]
	pending[0] = nil
	q.pending[slave] = pending[1:]
	q.inFlight[slave] = h
	return h
}

func (q *Queue) InFlight(slave int) *Handle {
	return q.inFlight[slave]
}

// Release the in flight request of a slave, it should be resolved before
func (q *Queue) Release(slave int) {
	delete(q.inFlight, slave)
}

// Len returns the number of unresolved requests of a slave, in flight included
func (q *Queue) Len(slave int) int {
	n := len(q.pending[slave])
	if q.inFlight[slave] != nil {
		n++
	}
	return n
}

// FailAll resolves every request of a slave with err
func (q *Queue) FailAll(slave int, err error) {
	if h := q.inFlight[slave]; h != nil {
		h.Fail(err)
		delete(q.inFlight, slave)
	}
	for _, h := range q.pending[slave] {
		h.Fail(err)
	}
	delete(q.pending, slave)
}
