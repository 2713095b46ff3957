// Package device defines the capability contract shared by every acquisition
// instrument: a connectivity precheck, a self-pacing blocking read, a stable
// ordered channel list, and an optional write capability.
package device

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNoData is returned by Read when a cycle produced no usable sample
// (malformed line, truncated response, nothing available yet). It is a
// recoverable per-cycle condition; the caller simply skips the cycle.
var ErrNoData = errors.New("no data this cycle")

// ErrWriteDisabled is returned when a write is attempted on a device that was
// not constructed with write mode enabled. This is a programming error, not a
// runtime data fault, and must never be retried.
var ErrWriteDisabled = errors.New("write mode not enabled on device")

// A Device is a single acquisition instrument.
type Device interface {
	// Name uniquely identifies the device within one acquisition run.
	Name() string

	// SamplingPeriod is the device's nominal time between samples. Read
	// enforces it; callers do not throttle.
	SamplingPeriod() time.Duration

	// Header is the ordered channel list, fixed after construction. Every
	// sample returned by Read has exactly one value per header entry.
	Header() []string

	// Precheck validates connectivity and configuration before any data is
	// trusted. A failure means the instrument is mis-wired or absent and the
	// run must not start.
	Precheck(ctx context.Context) error

	// Read blocks for up to one sampling period and returns one sample, or
	// ErrNoData if the cycle yielded nothing usable. Unparsable fields within
	// an otherwise well-framed sample come back as NaN rather than failing
	// the sample. Unrecoverable link faults are wrapped with Fatal.
	Read(ctx context.Context) ([]float64, error)

	Close(ctx context.Context) error
}

// A Writer is a device that can also accept setpoint writes. The capability
// is granted at construction; Write on a device built without it returns
// ErrWriteDisabled.
type Writer interface {
	// Write sends the given values, keyed by channel label, to the device.
	// Labels must be a subset of the device's writable channels. The whole
	// batch aborts on the first device-reported failure.
	Write(ctx context.Context, values map[string]float64) error
}

// fatalError marks a device fault that leaves the link unusable, e.g. the
// underlying serial port closed. Workers die on these and survive everything
// else.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err as an unrecoverable device fault.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

// Fatalf builds an unrecoverable device fault from a format string.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{errors.Errorf(format, args...)}
}

// IsFatal reports whether err (or anything it wraps) is an unrecoverable
// device fault.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
