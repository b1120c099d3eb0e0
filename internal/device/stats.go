package device

import (
	"fmt"

	"github.com/fxnlabs/gpucmd/internal/gpu"
	"github.com/fxnlabs/gpucmd/internal/health"
	"github.com/fxnlabs/gpucmd/internal/irq"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/fxnlabs/gpucmd/internal/reset"
	"github.com/fxnlabs/gpucmd/internal/ring"
	"github.com/fxnlabs/gpucmd/internal/sched"
)

// FenceStats describes the fence region.
type FenceStats struct {
	Addr    string `json:"addr"`
	Last    uint32 `json:"last"`
	Waiters int    `json:"waiters"`
}

// Stats is an engine-wide snapshot.
type Stats struct {
	Device        gpu.DeviceInfo `json:"device"`
	Scheduler     sched.Stats    `json:"scheduler"`
	Rings         []ring.Stats   `json:"rings"`
	Fence         FenceStats     `json:"fence"`
	Reset         reset.Stats    `json:"reset"`
	Notifications irq.Stats      `json:"notifications"`
	Health        *health.Stats  `json:"health,omitempty"`
}

// Stats returns counters from every subsystem.
func (e *Engine) Stats() Stats {
	st := Stats{
		Device:    e.backend.GetDeviceInfo(),
		Scheduler: e.sched.Stats(),
		Fence: FenceStats{
			Addr:    fmt.Sprintf("0x%08x", e.fences.Addr()),
			Last:    e.fences.Last(),
			Waiters: e.fences.Waiters(),
		},
		Reset:         e.reset.Stats(),
		Notifications: e.irq.Stats(),
	}
	for _, r := range e.rings {
		st.Rings = append(st.Rings, r.Snapshot())
	}
	if e.health != nil {
		hs := e.health.Stats()
		st.Health = &hs
	}
	return st
}

// Health summarizes whether the device can take work.
type Health struct {
	Healthy   bool          `json:"healthy"`
	Resetting bool          `json:"resetting"`
	Degraded  bool          `json:"degraded"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Halted    bool          `json:"halted"`
	Monitor   *health.Stats `json:"monitor,omitempty"`
}

// Health reads the device status and reset state.
func (e *Engine) Health() Health {
	status := e.backend.Read32(regs.Status)
	h := Health{
		Resetting: e.reset.InProgress(),
		Degraded:  e.reset.Degraded(),
		Status:    fmt.Sprintf("0x%08x", status),
		Halted:    status&regs.StatusHalted != 0,
	}
	if status&regs.StatusError != 0 {
		h.Error = regs.LookupError(regs.ErrorCode(status)).Name
	}
	if e.health != nil {
		hs := e.health.Stats()
		h.Monitor = &hs
	}
	h.Healthy = !h.Resetting && !h.Degraded && !h.Halted && h.Error == ""
	return h
}
