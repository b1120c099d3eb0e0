package sched

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxnlabs/gpucmd/internal/command"
)

// JobType classifies a job and selects its default queue.
type JobType int

const (
	// TypeAuto infers the type from the first command in the payload.
	TypeAuto JobType = iota
	TypeDraw
	TypeCompute
	TypeCopy
	TypeFence
)

var jobTypeNames = []string{"auto", "draw", "compute", "copy", "fence"}

func (t JobType) String() string {
	if t < 0 || int(t) >= len(jobTypeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return jobTypeNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t JobType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *JobType) UnmarshalText(b []byte) error {
	v, err := ParseJobType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseJobType parses a job type name. The empty string is TypeAuto.
func ParseJobType(s string) (JobType, error) {
	if s == "" {
		return TypeAuto, nil
	}
	for i, name := range jobTypeNames {
		if strings.EqualFold(s, name) {
			return JobType(i), nil
		}
	}
	return TypeAuto, fmt.Errorf("unknown job type %q", s)
}

// InferType derives the job type from the first command of a payload.
func InferType(words []uint32) JobType {
	if len(words) == 0 {
		return TypeDraw
	}
	switch command.Header(words[0]).Opcode() {
	case command.OpCompute:
		return TypeCompute
	case command.OpDMA:
		return TypeCopy
	case command.OpFence:
		return TypeFence
	default:
		return TypeDraw
	}
}

// Priority orders jobs on a queue. Higher priorities always dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	NumPriorities = 4
)

var priorityNames = []string{"low", "normal", "high", "realtime"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority parses a priority name. The empty string is PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// State is the lifecycle position of a job.
type State int

const (
	StatePending State = iota
	StateQueued
	StateRunning
	StateCompleted
	StateAborted
	StateTimedOut
)

var stateNames = []string{"pending", "queued", "running", "completed", "aborted", "timed_out"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if string(b) == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Result explains how a job finished.
type Result int

const (
	ResultNone Result = iota
	ResultSuccess
	ResultDeviceError
	ResultCanceled
	ResultReset
	ResultTimeout
)

var resultNames = []string{"none", "success", "device_error", "canceled", "reset", "timeout"}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultNames[r]
}

// MarshalText implements encoding.TextMarshaler.
func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Result) UnmarshalText(b []byte) error {
	for i, name := range resultNames {
		if string(b) == name {
			*r = Result(i)
			return nil
		}
	}
	return fmt.Errorf("unknown result %q", b)
}

// FenceTarget asks the device to write Value to Addr once the job's
// commands have executed.
type FenceTarget struct {
	Addr  uint32 `json:"addr"`
	Value uint32 `json:"value"`
}

// Spec describes a job to submit.
type Spec struct {
	Type     JobType
	Priority Priority
	// Queue selects a hardware queue. Nil picks the type's default queue.
	Queue      *uint32
	Payload    []uint32
	Fence      *FenceTarget
	Deps       []uint64
	Timeout    time.Duration
	Privileged bool
}

// Job is the scheduler's record of a submission. All fields are guarded by
// the scheduler's registry lock.
type Job struct {
	ID       uint64
	Type     JobType
	Priority Priority
	Queue    uint32
	State    State
	Result   Result
	Payload  []uint32
	Fence    *FenceTarget
	Timeout  time.Duration

	deps       []uint64
	dependents []uint64
	unresolved int

	seqno    uint32
	kicked   bool
	timedOut bool

	Submitted time.Time
	Started   time.Time
	Ended     time.Time

	done chan struct{}
}

// Status is an immutable snapshot of a job.
type Status struct {
	ID          uint64        `json:"id"`
	Type        JobType       `json:"type"`
	Priority    Priority      `json:"priority"`
	Queue       uint32        `json:"queue"`
	State       State         `json:"state"`
	Result      Result        `json:"result"`
	Seqno       uint32        `json:"seqno,omitempty"`
	Deps        []uint64      `json:"deps,omitempty"`
	SubmittedAt time.Time     `json:"submittedAt"`
	StartedAt   time.Time     `json:"startedAt,omitempty"`
	EndedAt     time.Time     `json:"endedAt,omitempty"`
	Runtime     time.Duration `json:"runtime,omitempty"`
}

func (j *Job) status() Status {
	st := Status{
		ID:          j.ID,
		Type:        j.Type,
		Priority:    j.Priority,
		Queue:       j.Queue,
		State:       j.State,
		Result:      j.Result,
		Seqno:       j.seqno,
		Deps:        append([]uint64(nil), j.deps...),
		SubmittedAt: j.Submitted,
		StartedAt:   j.Started,
		EndedAt:     j.Ended,
	}
	if !j.Started.IsZero() && !j.Ended.IsZero() {
		st.Runtime = j.Ended.Sub(j.Started)
	}
	return st
}
