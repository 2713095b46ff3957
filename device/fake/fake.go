// Package fake implements a deterministic device for tests and dry runs.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/heatlab/thermacq/device"
)

// Model is the registry tag for this driver.
const Model = "fake"

func init() {
	device.Register(Model, func(ctx context.Context, name string, attributes map[string]interface{}, logger golog.Logger) (device.Device, error) {
		var conf Config
		if err := device.DecodeAttributes(attributes, &conf); err != nil {
			return nil, err
		}
		return New(name, &conf, logger)
	})
}

// Config describes the fake's channels and cadence.
type Config struct {
	Header       []string `mapstructure:"header"`
	SamplingTime float64  `mapstructure:"sampling_time"` // seconds
}

// Device produces a slowly increasing value per channel, or whatever its
// test hooks dictate.
type Device struct {
	name     string
	header   []string
	sampling time.Duration

	mu    sync.Mutex
	reads int

	// ReadFunc, when set, replaces the generated values entirely. It may
	// return device.ErrNoData or a fatal error to script worker behavior.
	ReadFunc func(ctx context.Context) ([]float64, error)

	// Writes records everything sent through Write.
	Writes []map[string]float64

	logger golog.Logger
}

// New builds a fake device. The header must be non-empty.
func New(name string, conf *Config, logger golog.Logger) (*Device, error) {
	if len(conf.Header) == 0 {
		return nil, errors.New("fake: header is required")
	}
	if name == "" {
		name = "fake"
	}
	sampling := time.Second
	if conf.SamplingTime > 0 {
		sampling = time.Duration(conf.SamplingTime * float64(time.Second))
	}
	header := make([]string, len(conf.Header))
	copy(header, conf.Header)
	return &Device{name: name, header: header, sampling: sampling, logger: logger}, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// SamplingPeriod returns the nominal time between samples.
func (d *Device) SamplingPeriod() time.Duration { return d.sampling }

// Header returns the configured channel labels.
func (d *Device) Header() []string {
	out := make([]string, len(d.header))
	copy(out, d.header)
	return out
}

// Precheck always succeeds.
func (d *Device) Precheck(ctx context.Context) error { return nil }

// Read returns one generated sample per sampling period.
func (d *Device) Read(ctx context.Context) ([]float64, error) {
	if d.ReadFunc != nil {
		if !goutils.SelectContextOrWait(ctx, d.sampling) {
			return nil, ctx.Err()
		}
		return d.ReadFunc(ctx)
	}
	d.mu.Lock()
	d.reads++
	n := d.reads
	d.mu.Unlock()
	vals := make([]float64, len(d.header))
	for i := range vals {
		vals[i] = float64(20+i) + float64(n)*0.1
	}
	if !goutils.SelectContextOrWait(ctx, d.sampling) {
		return nil, ctx.Err()
	}
	return vals, nil
}

// Write records the values.
func (d *Device) Write(ctx context.Context, values map[string]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	d.Writes = append(d.Writes, copied)
	return nil
}

// Close is a no-op.
func (d *Device) Close(ctx context.Context) error { return nil }
