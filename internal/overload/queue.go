package overload

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ticket is an admission grant. A queued ticket is owned by the caller
// until it is admitted, times out, or the controller shuts down; an
// admitted ticket must be returned with Release.
type Ticket struct {
	ID         string
	Priority   int
	EnqueuedAt time.Time

	seq   uint64
	index int // position in the wait queue, -1 once out
	admit chan struct{}

	release sync.Once
	c       *Controller
}

func newTicket(priority int, seq uint64, now time.Time) *Ticket {
	return &Ticket{
		ID:         uuid.NewString(),
		Priority:   priority,
		EnqueuedAt: now,
		seq:        seq,
		index:      -1,
		admit:      make(chan struct{}),
	}
}

// PickFunc selects which queued ticket is promoted when a slot frees up.
// It receives the live queue and returns an index into it; out-of-range
// results fall back to the queue head.
type PickFunc func(queue []*Ticket) int

func pickFIFO(q []*Ticket) int { return 0 }

func pickLIFO(q []*Ticket) int { return len(q) - 1 }

// pickPriority prefers the highest priority; equal priorities promote in
// arrival order.
func pickPriority(q []*Ticket) int {
	best := 0
	for i := 1; i < len(q); i++ {
		if q[i].Priority > q[best].Priority ||
			(q[i].Priority == q[best].Priority && q[i].seq < q[best].seq) {
			best = i
		}
	}
	return best
}

func pickRandom(q []*Ticket) int { return rand.IntN(len(q)) }

// pickerFor maps a configured strategy name to its pick function. The
// custom strategy uses the caller-supplied function and falls back to
// FIFO when none was wired.
func pickerFor(strategy string, custom PickFunc) PickFunc {
	switch strategy {
	case "lifo":
		return pickLIFO
	case "priority":
		return pickPriority
	case "random":
		return pickRandom
	case "custom":
		if custom != nil {
			return custom
		}
		return pickFIFO
	default:
		return pickFIFO
	}
}

// waitQueue is the bounded slice of queued tickets. Callers hold the
// controller mutex.
type waitQueue struct {
	entries []*Ticket
}

func (q *waitQueue) len() int { return len(q.entries) }

func (q *waitQueue) push(t *Ticket) {
	t.index = len(q.entries)
	q.entries = append(q.entries, t)
}

// removeAt takes the ticket at i out of the queue, reindexing the tail.
func (q *waitQueue) removeAt(i int) *Ticket {
	t := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	last := len(q.entries) - 1
	q.entries[last] = nil
	q.entries = q.entries[:last]
	for j := i; j < len(q.entries); j++ {
		q.entries[j].index = j
	}
	t.index = -1
	return t
}

// take pops the ticket chosen by pick.
func (q *waitQueue) take(pick PickFunc) *Ticket {
	i := pick(q.entries)
	if i < 0 || i >= len(q.entries) {
		i = 0
	}
	return q.removeAt(i)
}
