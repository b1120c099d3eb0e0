package gpu

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Backend kinds.
const (
	KindAuto = "auto"
	KindSim  = "sim"
)

// ErrUnknownBackend is returned for an unsupported backend kind.
var ErrUnknownBackend = errors.New("unknown backend kind")

// NewBackend creates the backend of the given kind. Hardware backends are
// not compiled in, so auto resolves to the simulated device.
func NewBackend(kind string, cfg SimConfig, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(kind) {
	case "", KindAuto:
		logger.Info("Using simulated backend (compiled without hardware support)")
		return NewSimBackend(cfg, logger), nil
	case KindSim:
		return NewSimBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
