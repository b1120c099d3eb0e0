package sched

import (
	"strconv"
	"sync"

	"github.com/fxnlabs/gpucmd/internal/metrics"
)

// queue is one hardware queue: a ring, its fence slot and a list of waiting
// jobs per priority. At most one job runs on a queue at a time.
type queue struct {
	id    uint32
	label string
	ring  Ring
	slot  uint32

	mu        sync.Mutex
	lists     [NumPriorities][]*Job
	current   *Job
	submitted uint64
	completed uint64
}

func newQueue(r Ring, slot uint32) *queue {
	return &queue{
		id:    r.QueueID(),
		label: strconv.FormatUint(uint64(r.QueueID()), 10),
		ring:  r,
		slot:  slot,
	}
}

// next removes and returns the oldest job without unresolved dependencies
// from the highest non-empty priority. q.mu and the registry lock are held.
func (q *queue) next() *Job {
	for p := NumPriorities - 1; p >= 0; p-- {
		for i, j := range q.lists[p] {
			if j.unresolved == 0 {
				q.lists[p] = append(q.lists[p][:i], q.lists[p][i+1:]...)
				q.updateDepth()
				return j
			}
		}
	}
	return nil
}

func (q *queue) push(j *Job) {
	q.lists[j.Priority] = append(q.lists[j.Priority], j)
	q.updateDepth()
}

// pushFront returns a job to the head of its list after a failed dispatch.
func (q *queue) pushFront(j *Job) {
	l := q.lists[j.Priority]
	l = append(l, nil)
	copy(l[1:], l)
	l[0] = j
	q.lists[j.Priority] = l
	q.updateDepth()
}

func (q *queue) remove(j *Job) bool {
	l := q.lists[j.Priority]
	for i, cand := range l {
		if cand == j {
			q.lists[j.Priority] = append(l[:i], l[i+1:]...)
			q.updateDepth()
			return true
		}
	}
	return false
}

func (q *queue) depth() int {
	n := 0
	for _, l := range q.lists {
		n += len(l)
	}
	return n
}

func (q *queue) updateDepth() {
	metrics.QueueDepth.WithLabelValues(q.label).Set(float64(q.depth()))
}
