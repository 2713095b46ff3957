// Package collector runs one acquisition worker per device and merges their
// asynchronous streams into time-aligned rows on a fixed window cadence.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/heatlab/thermacq/device"
)

// A Reading is one timestamped sample handed from a worker to the collector.
type Reading struct {
	Time   time.Time
	Values []float64
}

// handoffBuffer bounds each device channel. At any sane writing_time the
// collector drains far faster than a device samples; a full channel means the
// collector has stalled and dropping the oldest backlog is the lesser evil.
const handoffBuffer = 256

// A Worker polls one device in its own goroutine and forwards timestamped
// samples. The device's Read paces itself, so the loop adds no delay.
type Worker struct {
	dev    device.Device
	out    chan Reading
	alive  atomic.Bool
	wg     sync.WaitGroup
	logger golog.Logger
}

// NewWorker wraps a device. Start must be called before readings flow.
func NewWorker(dev device.Device, logger golog.Logger) *Worker {
	return &Worker{
		dev:    dev,
		out:    make(chan Reading, handoffBuffer),
		logger: logger,
	}
}

// Device returns the wrapped device.
func (w *Worker) Device() device.Device { return w.dev }

// Readings is the hand-off channel consumed by the collector. Within it,
// readings are strictly ordered by capture time.
func (w *Worker) Readings() <-chan Reading { return w.out }

// Alive reports whether the polling goroutine is still running. The run loop
// checks this every window and tears the whole acquisition down when any
// worker has died, rather than silently collecting partial data forever.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Start launches the polling loop. A single failed read never kills the
// worker; only an unrecoverable device fault (or context cancellation) does.
func (w *Worker) Start(ctx context.Context) {
	w.alive.Store(true)
	w.wg.Add(1)
	goutils.PanicCapturingGo(func() {
		defer w.wg.Done()
		defer w.alive.Store(false)
		consecutive := 0
		for {
			if ctx.Err() != nil {
				return
			}
			ts := time.Now()
			vals, err := w.dev.Read(ctx)
			switch {
			case err == nil:
				consecutive = 0
				r := Reading{Time: ts, Values: vals}
				select {
				case w.out <- r:
				default:
					// Collector stalled: evict the oldest reading so the
					// backlog stays the freshest window of samples.
					select {
					case <-w.out:
					default:
					}
					select {
					case w.out <- r:
					default:
					}
					w.logger.Warnw("hand-off channel full, dropped oldest sample", "device", w.dev.Name())
				}
			case errors.Is(err, device.ErrNoData):
				// Recoverable gap; the window merge fills it from the
				// last-valid cache.
				consecutive = 0
			case ctx.Err() != nil:
				return
			case device.IsFatal(err):
				w.logger.Errorw("unrecoverable device fault, worker stopping", "device", w.dev.Name(), "error", err)
				return
			default:
				consecutive++
				// Don't spam identical transient errors every cycle.
				if consecutive == 1 || consecutive%10 == 0 {
					w.logger.Warnw("read error", "device", w.dev.Name(), "error", err, "consecutive", consecutive)
				}
			}
		}
	})
}

// Wait blocks until the polling goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}
