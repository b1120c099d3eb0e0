// Package health periodically checks that the device is alive, making
// progress and free of unrecoverable errors, and requests a reset when it is
// not.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxnlabs/gpucmd/internal/metrics"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"go.uber.org/zap"
)

// Progress exposes the positions the device advances as it works.
type Progress interface {
	RingHeads() []uint32
	FenceValue() uint32
}

// Resetter starts device resets.
type Resetter interface {
	Schedule() bool
	InProgress() bool
}

// Config tunes the monitor.
type Config struct {
	Interval               time.Duration
	StagnationTimeout      time.Duration
	ErrorThreshold         int
	HeartbeatMissThreshold int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:               time.Second,
		StagnationTimeout:      5 * time.Second,
		ErrorThreshold:         10,
		HeartbeatMissThreshold: 1,
	}
}

// Stats describes monitor activity.
type Stats struct {
	Checks            uint64    `json:"checks"`
	HeartbeatMisses   uint64    `json:"heartbeatMisses"`
	Hangs             uint64    `json:"hangs"`
	Errors            uint64    `json:"errors"`
	ResetRequests     uint64    `json:"resetRequests"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastCheck         time.Time `json:"lastCheck,omitempty"`
	LastActivity      time.Time `json:"lastActivity,omitempty"`
	LastProblem       string    `json:"lastProblem,omitempty"`
}

// Monitor runs the periodic health check. It only reads device state and
// requests resets; it never touches scheduler or ring state.
type Monitor struct {
	regs     regs.Registers
	progress Progress
	resetter Resetter
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	heartbeat    uint32
	misses       int
	consecutive  int
	lastHeads    []uint32
	lastFence    uint32
	lastActivity time.Time
	stats        Stats

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a monitor.
func New(rr regs.Registers, progress Progress, resetter Resetter, cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StagnationTimeout <= 0 {
		cfg.StagnationTimeout = d.StagnationTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = d.ErrorThreshold
	}
	if cfg.HeartbeatMissThreshold <= 0 {
		cfg.HeartbeatMissThreshold = d.HeartbeatMissThreshold
	}
	m := &Monitor{
		regs:     rr,
		progress: progress,
		resetter: resetter,
		cfg:      cfg,
		log:      log.Named("health"),
		now:      time.Now,
	}
	m.refresh(m.now())
	return m
}

// Start launches the periodic check.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
	m.log.Info("Health monitor started", zap.Duration("interval", m.cfg.Interval))
}

// Stop halts the periodic check.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
}

// refresh records the current progress positions as the activity baseline.
func (m *Monitor) refresh(now time.Time) {
	m.lastHeads = m.progress.RingHeads()
	m.lastFence = m.progress.FenceValue()
	m.lastActivity = now
}

// Check runs one health tick and returns true when it requested a reset.
func (m *Monitor) Check() bool {
	now := m.now()
	metrics.HealthChecks.Inc()

	m.mu.Lock()
	m.stats.Checks++
	m.stats.LastCheck = now
	if m.resetter.InProgress() {
		m.refresh(now)
		m.mu.Unlock()
		return false
	}

	var problems []string
	problems = append(problems, m.checkHeartbeat()...)
	status := m.regs.Read32(regs.Status)
	problems = append(problems, m.checkProgress(status, now)...)
	problems = append(problems, m.checkErrors(status)...)

	if len(problems) > 0 {
		m.stats.ResetRequests++
		m.stats.LastProblem = strings.Join(problems, "; ")
	}
	m.mu.Unlock()

	if len(problems) == 0 {
		return false
	}
	started := m.resetter.Schedule()
	m.log.Warn("Device unhealthy, requesting reset",
		zap.Strings("problems", problems),
		zap.Bool("started", started))
	return true
}

func (m *Monitor) checkHeartbeat() []string {
	m.heartbeat++
	m.regs.Write32(regs.Scratch, m.heartbeat)
	got := m.regs.Read32(regs.Scratch)
	if got == m.heartbeat {
		m.misses = 0
		return nil
	}
	m.misses++
	m.stats.HeartbeatMisses++
	metrics.HeartbeatMisses.Inc()
	m.log.Warn("Heartbeat mismatch",
		zap.Uint32("wrote", m.heartbeat),
		zap.Uint32("read", got),
		zap.Int("misses", m.misses))
	if m.misses >= m.cfg.HeartbeatMissThreshold {
		return []string{fmt.Sprintf("heartbeat missed %d times", m.misses)}
	}
	return nil
}

func (m *Monitor) checkProgress(status uint32, now time.Time) []string {
	heads := m.progress.RingHeads()
	fence := m.progress.FenceValue()
	moved := fence != m.lastFence || !slices.Equal(heads, m.lastHeads)
	if status&regs.StatusBusy == 0 || moved {
		m.lastHeads = heads
		m.lastFence = fence
		m.lastActivity = now
		return nil
	}
	stalled := now.Sub(m.lastActivity)
	if stalled <= m.cfg.StagnationTimeout {
		return nil
	}
	m.stats.Hangs++
	metrics.Hangs.Inc()
	m.log.Error("Device hang detected",
		zap.Duration("stalled", stalled),
		zap.Uint32("fence", fence))
	// One report per stall.
	m.lastActivity = now
	return []string{fmt.Sprintf("no progress for %s", stalled.Round(time.Millisecond))}
}

func (m *Monitor) checkErrors(status uint32) []string {
	var problems []string
	if status&regs.StatusHalted != 0 {
		m.log.Error("Device halted")
		problems = append(problems, "device halted")
	}
	if status&regs.StatusError == 0 {
		m.consecutive = 0
		m.stats.ConsecutiveErrors = 0
		return problems
	}

	info := regs.LookupError(regs.ErrorCode(status))
	m.stats.Errors++
	metrics.DeviceErrors.WithLabelValues(info.Name).Inc()
	m.log.Warn("Device error",
		zap.String("code", info.Name),
		zap.String("description", info.Description),
		zap.Bool("recoverable", info.Recoverable))

	if !info.Recoverable {
		return append(problems, "unrecoverable error "+info.Name)
	}
	m.regs.Write32(regs.Status, status&^regs.StatusError)
	m.consecutive++
	m.stats.ConsecutiveErrors = m.consecutive
	if m.consecutive >= m.cfg.ErrorThreshold {
		return append(problems, fmt.Sprintf("%d consecutive device errors", m.consecutive))
	}
	return problems
}

// Stats returns monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.LastActivity = m.lastActivity
	return st
}
