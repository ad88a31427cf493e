package qcan

import (
	"errors"

	"github.com/kstaniek/qcan-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen     = errors.New("qcan: listen")
	ErrAccept     = errors.New("qcan: accept")
	ErrConnRead   = errors.New("qcan: conn_read")
	ErrConnWrite  = errors.New("qcan: conn_write")
	ErrHardwareOp = errors.New("qcan: hardware_op")
)

// mapErrToMetric maps wrapped sentinel errors to metrics error labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrHardwareOp):
		return metrics.ErrSerialWrite
	default:
		return "other"
	}
}
