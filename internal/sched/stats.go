package sched

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// QueueStats describes one hardware queue.
type QueueStats struct {
	ID        uint32 `json:"id"`
	Depth     int    `json:"depth"`
	Running   uint64 `json:"running,omitempty"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Submitted   uint64        `json:"submitted"`
	Completed   uint64        `json:"completed"`
	Errors      uint64        `json:"errors"`
	Canceled    uint64        `json:"canceled"`
	Aborted     uint64        `json:"aborted"`
	TimedOut    uint64        `json:"timedOut"`
	Active      int           `json:"active"`
	Queues      []QueueStats  `json:"queues"`
	RuntimeMean time.Duration `json:"runtimeMean"`
	RuntimeP95  time.Duration `json:"runtimeP95"`
}

// observeRuntime records a successful job's runtime in the sliding window.
// The registry lock is held.
func (s *Scheduler) observeRuntime(d time.Duration) {
	v := d.Seconds()
	if len(s.runtimes) < s.cfg.RuntimeWindow {
		s.runtimes = append(s.runtimes, v)
		return
	}
	s.runtimes[s.rtNext] = v
	s.rtNext = (s.rtNext + 1) % s.cfg.RuntimeWindow
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Submitted: s.counters.submitted,
		Completed: s.counters.completed,
		Errors:    s.counters.errors,
		Canceled:  s.counters.canceled,
		Aborted:   s.counters.aborted,
		TimedOut:  s.counters.timedOut,
		Active:    len(s.jobs),
	}
	for _, q := range s.queues {
		q.mu.Lock()
		qs := QueueStats{
			ID:        q.id,
			Depth:     q.depth(),
			Submitted: q.submitted,
			Completed: q.completed,
		}
		if q.current != nil {
			qs.Running = q.current.ID
		}
		q.mu.Unlock()
		st.Queues = append(st.Queues, qs)
	}
	samples := append([]float64(nil), s.runtimes...)
	s.mu.Unlock()

	if len(samples) > 0 {
		sort.Float64s(samples)
		st.RuntimeMean = seconds(stat.Mean(samples, nil))
		st.RuntimeP95 = seconds(stat.Quantile(0.95, stat.Empirical, samples, nil))
	}
	return st
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
