package collector

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// RunOptions tunes one acquisition run.
type RunOptions struct {
	// WritingTime is the window length; boundaries advance by exactly this
	// step regardless of any device's sampling period.
	WritingTime time.Duration

	// HoldingTime delays the start of collection, e.g. to let a rig settle.
	HoldingTime time.Duration

	// Duration bounds the whole run.
	Duration time.Duration

	// WarmUp gives the workers time to produce their first samples before
	// the first window. Zero means twice the longest sampling period.
	WarmUp time.Duration

	// OnRow, when set, receives the keyed snapshot after every window.
	OnRow func(map[string]float64)
}

// Run drives a full acquisition: hold, start the workers, then advance the
// window boundary until the duration elapses, tearing everything down if any
// worker dies. The workers' contexts are the given ctx; cancelling it stops
// both them and the run.
func Run(ctx context.Context, c *Collector, workers []*Worker, opts RunOptions) error {
	if opts.WritingTime <= 0 {
		return errors.New("collector: writing time must be greater than zero")
	}
	if opts.Duration <= 0 {
		return errors.New("collector: collection duration must be greater than zero")
	}

	if opts.HoldingTime > 0 {
		c.logger.Infow("holding before collection", "duration", opts.HoldingTime)
		if err := c.waitUntil(ctx, c.clock.Now().Add(opts.HoldingTime)); err != nil {
			return err
		}
	}

	for _, w := range workers {
		w.Start(ctx)
	}

	warmUp := opts.WarmUp
	if warmUp == 0 {
		for _, w := range workers {
			if p := 2 * w.Device().SamplingPeriod(); p > warmUp {
				warmUp = p
			}
		}
	}
	if err := c.waitUntil(ctx, c.clock.Now().Add(warmUp)); err != nil {
		return err
	}

	c.logger.Infow("data collection started", "window", opts.WritingTime, "duration", opts.Duration)
	start := c.clock.Now()
	boundary := start.Add(opts.WritingTime)
	for c.clock.Now().Sub(start) < opts.Duration {
		for _, w := range workers {
			if !w.Alive() {
				// A hole in one device's stream corrupts the aligned output;
				// stop the whole run rather than collect partial data.
				return errors.Errorf("worker for device %q died, stopping acquisition", w.Device().Name())
			}
		}
		if err := c.Collect(ctx, boundary); err != nil {
			if errors.Is(err, context.Canceled) {
				c.logger.Info("collection interrupted, shutting down")
				return nil
			}
			return err
		}
		if opts.OnRow != nil {
			opts.OnRow(c.Map())
		}
		boundary = boundary.Add(opts.WritingTime)
	}
	c.logger.Info("data collection finished")
	return nil
}
