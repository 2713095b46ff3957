package collector

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// A Source is one device-shaped input to the collector: a stable ordered
// channel list and the worker's hand-off channel.
type Source struct {
	Name     string
	Header   []string
	Readings <-chan Reading
}

// A Sink receives one merged row per completed window.
type Sink interface {
	WriteRow(t time.Time, row []float64) error
	Close() error
}

// Collector merges per-device sample streams into one row per time window.
// It exclusively owns the last-valid cache and the merged row; everything it
// hands out is a deep copy.
type Collector struct {
	clock  clock.Clock
	logger golog.Logger

	sources  []Source
	startIdx []int
	labels   []string

	// pending holds, per source, the one reading drained past the current
	// window boundary; it belongs to a later window.
	pending []*Reading

	// lastVals is the last-valid cache: nil per device until it has produced
	// at least one windowed value, never reset afterwards.
	lastVals [][]float64

	mu   sync.Mutex
	row  []float64
	dict map[string]float64

	sinks []Sink
}

// New builds a collector over the given sources. Channel labels must be
// globally unique so the keyed snapshot is unambiguous.
func New(sources []Source, clk clock.Clock, logger golog.Logger) (*Collector, error) {
	if len(sources) == 0 {
		return nil, errors.New("collector: at least one source is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	c := &Collector{
		clock:    clk,
		logger:   logger,
		sources:  sources,
		pending:  make([]*Reading, len(sources)),
		lastVals: make([][]float64, len(sources)),
		dict:     map[string]float64{},
	}
	seen := map[string]string{}
	for _, src := range sources {
		if len(src.Header) == 0 {
			return nil, errors.Errorf("collector: source %q has an empty header", src.Name)
		}
		c.startIdx = append(c.startIdx, len(c.labels))
		for _, label := range src.Header {
			if owner, dup := seen[label]; dup {
				return nil, errors.Errorf("collector: channel %q of %q collides with %q", label, src.Name, owner)
			}
			seen[label] = src.Name
			c.labels = append(c.labels, label)
		}
	}
	c.row = make([]float64, len(c.labels))
	for i := range c.row {
		c.row[i] = math.NaN()
	}
	return c, nil
}

// AddSink registers a sink for completed rows. The first sink is treated as
// the durable one: its write errors abort the run, while errors from the
// others are logged and dropped.
func (c *Collector) AddSink(s Sink) {
	c.sinks = append(c.sinks, s)
}

// Header returns the global channel labels: devices in configuration order,
// channels in header order within each device.
func (c *Collector) Header() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// Collect waits until the window boundary, then merges every source's
// backlog into the row for the window ending at boundary. Devices that
// produced nothing keep their last-valid contribution.
func (c *Collector) Collect(ctx context.Context, boundary time.Time) error {
	if err := c.waitUntil(ctx, boundary); err != nil {
		return err
	}
	for i := range c.sources {
		vals, ok := c.drain(i, boundary)
		if !ok {
			if c.lastVals[i] == nil {
				c.logger.Debugw("no data yet", "device", c.sources[i].Name)
			} else {
				c.logger.Infow("no new samples in window, using last valid data", "device", c.sources[i].Name)
			}
			continue
		}
		c.lastVals[i] = vals
		c.update(i, vals)
	}
	return c.writeRow(boundary)
}

// waitUntil blocks, cooperatively, until the clock reaches the boundary.
func (c *Collector) waitUntil(ctx context.Context, boundary time.Time) error {
	d := boundary.Sub(c.clock.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drain consumes every reading of source i captured before the boundary,
// oldest first, and returns their element-wise mean. A reading at or past the
// boundary is parked for the next window. NaN fields are excluded from the
// mean; a field that is NaN in every drained reading stays NaN.
func (c *Collector) drain(i int, boundary time.Time) ([]float64, bool) {
	var batch [][]float64
	if p := c.pending[i]; p != nil {
		if !p.Time.Before(boundary) {
			return nil, false
		}
		batch = append(batch, p.Values)
		c.pending[i] = nil
	}
drainLoop:
	for {
		select {
		case r, ok := <-c.sources[i].Readings:
			if !ok {
				break drainLoop
			}
			if r.Time.Before(boundary) {
				batch = append(batch, r.Values)
				continue
			}
			parked := r
			c.pending[i] = &parked
			break drainLoop
		default:
			break drainLoop
		}
	}
	if len(batch) == 0 {
		return nil, false
	}
	want := len(c.sources[i].Header)
	mean := make([]float64, want)
	column := make([]float64, 0, len(batch))
	for j := 0; j < want; j++ {
		column = column[:0]
		for _, vals := range batch {
			if j < len(vals) && !math.IsNaN(vals[j]) {
				column = append(column, vals[j])
			}
		}
		if len(column) == 0 {
			mean[j] = math.NaN()
			continue
		}
		m, err := stats.Mean(column)
		if err != nil {
			m = math.NaN()
		}
		mean[j] = m
	}
	return mean, true
}

// update folds one device's window contribution into the merged row and the
// keyed snapshot.
func (c *Collector) update(i int, vals []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.startIdx[i]
	for j, v := range vals {
		c.row[start+j] = v
		c.dict[c.sources[i].Header[j]] = v
	}
}

// writeRow appends the merged row to every sink. The first sink is durable
// storage and its failure aborts the window; live sinks only log.
func (c *Collector) writeRow(boundary time.Time) error {
	if len(c.sinks) == 0 {
		return nil
	}
	row := c.Vector()
	for i, s := range c.sinks {
		if err := s.WriteRow(boundary, row); err != nil {
			if i == 0 {
				return errors.Wrap(err, "collector: durable sink write failed")
			}
			c.logger.Warnw("live sink write failed", "error", err)
		}
	}
	return nil
}

// Vector returns a deep copy of the merged row aligned to Header. Channels
// whose device has never produced a value are NaN; Map distinguishes those
// from genuine NaN measurements by omission.
func (c *Collector) Vector() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.row))
	copy(out, c.row)
	return out
}

// Map returns a deep copy of the keyed snapshot. Channels that have never
// produced a value are absent.
func (c *Collector) Map() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.dict))
	for k, v := range c.dict {
		out[k] = v
	}
	return out
}

// Close closes every sink, combining their errors.
func (c *Collector) Close() error {
	var err error
	for _, s := range c.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
