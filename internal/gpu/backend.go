package gpu

import (
	"github.com/fxnlabs/gpucmd/internal/dma"
	"github.com/fxnlabs/gpucmd/internal/regs"
)

// DeviceInfo contains information about the device behind a backend
type DeviceInfo struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Version       uint32 `json:"version"`
	Queues        int    `json:"queues"`
	MemoryLimit   int64  `json:"memoryLimit"` // in bytes, 0 when unbounded
	DriverVersion string `json:"driverVersion"`
}

// Backend defines the interface for command-processor devices.
// This interface allows for multiple device implementations (PCI BAR mappings,
// simulators, remote devices) and provides the three narrow capabilities the
// engine consumes: register access, DMA memory and notifications.
//
// Implementation notes:
// - Register access must be safe for concurrent use
// - Notification callbacks run on the caller's goroutine and must not block
// - Backends own every DMA allocation they hand out
// - Resource cleanup is critical to prevent leaked device memory
type Backend interface {
	// Read32 and Write32 access the memory-mapped register file.
	regs.Registers

	// Allocator returns the DMA allocator for ring and fence memory.
	Allocator() dma.Allocator

	// Subscribe registers fn to receive notification bits.
	// The engine's top half is the only subscriber in practice:
	// - fn is called once per raised notification
	// - bits are already filtered by IRQ_ENABLE
	Subscribe(fn func(status uint32))

	// GetDeviceInfo returns information about the device
	// This information is used for:
	// - Reporting capabilities to operators
	// - Sizing the number of hardware queues
	// - Debugging and troubleshooting
	GetDeviceInfo() DeviceInfo

	// IsAvailable checks if the backend is available for use
	// This should perform a quick check without heavy initialization
	// Used by the Manager to select appropriate backends
	IsAvailable() bool

	// Initialize prepares the backend for use
	// Should be called once before first use
	Initialize() error

	// Cleanup releases any resources held by the backend
	// Must be called when the backend is no longer needed
	Cleanup() error
}
