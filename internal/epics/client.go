// Package epics provides read/write access to control-system process
// variables through a PV gateway. The channel-access protocol itself is the
// gateway's problem; this package only speaks its JSON-over-HTTP surface.
package epics

import (
	"context"
	"errors"
)

// ErrNoValue is returned when a PV exists but the gateway has no current
// value for it (disconnected channel, invalid severity).
var ErrNoValue = errors.New("epics: no value for pv")

// Client reads and writes scalar PVs. Deadlines come from the caller's
// context; implementations do not retry.
type Client interface {
	Get(ctx context.Context, pv string) (float64, error)
	Put(ctx context.Context, pv string, value float64) error
}
