// Package fluxdaq implements a driver for COMPAQ and FluxDAQ+ heat-flux
// acquisition boxes. The instrument streams one comma-separated line per
// sample with two columns per sensor port (heat flux in raw millivolts and
// temperature); the active ports and the sensitivity values used to scale
// flux on-instrument are pushed down during the init handshake.
package fluxdaq

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/heatlab/thermacq/device"
)

// Model is the registry tag for this driver.
const Model = "fluxdaq"

const (
	defaultBaudRate      = 9600
	defaultSamplingTime  = 2 * time.Second
	defaultPrecheckSteps = 5

	// minPrecheckRatio is the fraction of precheck probes that must parse for
	// the link to be considered healthy.
	minPrecheckRatio = 0.8
)

func init() {
	device.Register(Model, func(ctx context.Context, name string, attributes map[string]interface{}, logger golog.Logger) (device.Device, error) {
		var conf Config
		if err := device.DecodeAttributes(attributes, &conf); err != nil {
			return nil, err
		}
		return New(ctx, name, &conf, logger)
	})
}

// SensorConfig describes one sensor port. Q enables the heat-flux column for
// the port; SValue is the sensor sensitivity pushed to the instrument.
type SensorConfig struct {
	Q      bool    `mapstructure:"q"`
	SValue float64 `mapstructure:"s_value"`
}

// Config holds the connection and port map for one DAQ box.
type Config struct {
	Port          string                  `mapstructure:"port"`
	DAQType       string                  `mapstructure:"daq_type"`
	BaudRate      uint                    `mapstructure:"baudrate"`
	SamplingTime  float64                 `mapstructure:"sampling_time"` // seconds
	PrecheckSteps int                     `mapstructure:"precheck_steps"`
	Sensors       map[string]SensorConfig `mapstructure:"sensors"`
}

// FluxDAQ reads line-framed samples from one heat-flux DAQ box.
type FluxDAQ struct {
	name          string
	daqType       string
	sampling      time.Duration
	precheckSteps int

	header      []string
	activePorts []bool
	sValues     []float64
	reportCount int // sensor count announced to the instrument

	bus    io.ReadWriteCloser
	reader *bufio.Reader
	settle time.Duration // handshake pause, shortened in tests

	logger golog.Logger
}

// New opens the serial port, performs the instrument init handshake, and
// returns the device.
func New(ctx context.Context, name string, conf *Config, logger golog.Logger) (*FluxDAQ, error) {
	f, err := build(name, conf, logger)
	if err != nil {
		return nil, err
	}
	baud := conf.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	options := serial.OpenOptions{
		PortName: conf.Port,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		// A bounded read timeout keeps a silent instrument from blocking
		// reads forever; silence surfaces as an empty read instead.
		InterCharacterTimeout: 100,
	}
	// COMPAQ boxes do not support hardware flow control.
	if f.daqType == "FluxDAQ+" {
		options.RTSCTSFlowControl = true
	}
	bus, err := serial.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "fluxdaq: cannot open serial port %q", conf.Port)
	}
	if err := f.initialize(ctx, bus); err != nil {
		goutils.UncheckedError(bus.Close())
		return nil, err
	}
	return f, nil
}

// build validates the configuration and derives the header and port masks
// without touching hardware.
func build(name string, conf *Config, logger golog.Logger) (*FluxDAQ, error) {
	if conf.Port == "" {
		return nil, errors.New("fluxdaq: port is required")
	}
	if conf.DAQType != "COMPAQ" && conf.DAQType != "FluxDAQ+" {
		return nil, errors.Errorf("fluxdaq: daq_type must be COMPAQ or FluxDAQ+, got %q", conf.DAQType)
	}
	if len(conf.Sensors) == 0 {
		return nil, errors.New("fluxdaq: at least one sensor is required")
	}
	if name == "" {
		name = conf.DAQType
	}

	ids := make([]int, 0, len(conf.Sensors))
	for idStr := range conf.Sensors {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, errors.Errorf("fluxdaq: sensor id %q is not an integer", idStr)
		}
		if id < 1 || id > 4 {
			return nil, errors.Errorf("fluxdaq: sensor id %d out of range 1-4", id)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	// The instrument only accepts a contiguous count, so it is told about
	// every port up to the highest configured id.
	reportCount := ids[len(ids)-1]

	f := &FluxDAQ{
		name:          name,
		daqType:       conf.DAQType,
		sampling:      defaultSamplingTime,
		precheckSteps: defaultPrecheckSteps,
		activePorts:   make([]bool, 2*reportCount),
		sValues:       make([]float64, reportCount),
		reportCount:   reportCount,
		settle:        time.Second,
		logger:        logger,
	}
	if conf.SamplingTime > 0 {
		f.sampling = time.Duration(conf.SamplingTime * float64(time.Second))
	}
	if conf.PrecheckSteps > 0 {
		f.precheckSteps = conf.PrecheckSteps
	}
	for i := range f.sValues {
		f.sValues[i] = math.Inf(1) // disabled flux port
	}

	for _, id := range ids {
		sensor := conf.Sensors[strconv.Itoa(id)]
		if sensor.Q {
			if sensor.SValue <= 0 {
				return nil, errors.Errorf("fluxdaq: sensor %d needs s_value > 0 when flux is enabled", id)
			}
			f.sValues[id-1] = sensor.SValue
			f.header = append(f.header, fmt.Sprintf("q%d", id))
			f.activePorts[2*(id-1)] = true
		}
		f.header = append(f.header, fmt.Sprintf("T%d", id))
		f.activePorts[2*(id-1)+1] = true
	}
	return f, nil
}

// initialize runs the instrument handshake: wake the box, announce the port
// count, then stream the sensitivity values one at a time with settle pauses.
func (f *FluxDAQ) initialize(ctx context.Context, bus io.ReadWriteCloser) error {
	f.bus = bus
	f.reader = bufio.NewReader(bus)

	if f.daqType == "FluxDAQ+" {
		if !goutils.SelectContextOrWait(ctx, f.settle) {
			return ctx.Err()
		}
		if _, err := f.bus.Write([]byte("1")); err != nil {
			return errors.Wrap(err, "fluxdaq: wake-up write failed")
		}
	}
	if !goutils.SelectContextOrWait(ctx, 2*f.settle) {
		return ctx.Err()
	}

	f.logger.Infow("announcing sensor count", "device", f.name, "count", f.reportCount)
	if _, err := f.bus.Write([]byte(strconv.Itoa(f.reportCount))); err != nil {
		return errors.Wrap(err, "fluxdaq: sensor count write failed")
	}
	if !goutils.SelectContextOrWait(ctx, 2*f.settle) {
		return ctx.Err()
	}

	for i, s := range f.sValues {
		f.logger.Debugw("writing sensitivity", "device", f.name, "port", i+1, "s_value", s)
		if _, err := f.bus.Write([]byte(strconv.FormatFloat(s, 'g', -1, 64))); err != nil {
			return errors.Wrap(err, "fluxdaq: s value write failed")
		}
		if !goutils.SelectContextOrWait(ctx, f.settle) {
			return ctx.Err()
		}
	}
	if !goutils.SelectContextOrWait(ctx, f.settle) {
		return ctx.Err()
	}
	return nil
}

// Name returns the device name.
func (f *FluxDAQ) Name() string { return f.name }

// SamplingPeriod returns the nominal time between samples.
func (f *FluxDAQ) SamplingPeriod() time.Duration { return f.sampling }

// Header returns the enabled channel labels in port order.
func (f *FluxDAQ) Header() []string {
	out := make([]string, len(f.header))
	copy(out, f.header)
	return out
}

// Precheck probes the stream for a number of sampling periods and requires
// at least 80% of probes to yield a well-framed line. A probe that reads
// nothing before the port timeout counts as missed, so a dead link fails the
// precheck instead of hanging it.
func (f *FluxDAQ) Precheck(ctx context.Context) error {
	received := 0
	for step := 0; step < f.precheckSteps; step++ {
		line, _ := f.reader.ReadString('\n')
		if len(strings.Split(strings.TrimSpace(line), ",")) == 2*f.reportCount {
			received++
		}
		if !goutils.SelectContextOrWait(ctx, f.sampling) {
			return ctx.Err()
		}
	}
	if float64(received) < minPrecheckRatio*float64(f.precheckSteps) {
		return errors.Errorf("fluxdaq %q is not responding properly (%d/%d well-framed lines)",
			f.name, received, f.precheckSteps)
	}
	f.logger.Infow("responding properly", "device", f.name, "received", received, "steps", f.precheckSteps)
	return nil
}

// Read blocks for up to one line, filters it down to the active ports, and
// paces itself to the sampling period. A silent cycle (the port timeout fired
// before a line arrived) or a line with the wrong column count yields
// ErrNoData; unparsable fields yield NaN.
func (f *FluxDAQ) Read(ctx context.Context) ([]float64, error) {
	start := time.Now()
	line, err := f.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, device.Fatal(errors.Wrapf(err, "fluxdaq %q read failed", f.name))
	}
	var vals []float64
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) == 2*f.reportCount {
		vals = make([]float64, 0, len(f.header))
		for i, field := range fields {
			if !f.activePorts[i] {
				continue
			}
			v, parseErr := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if parseErr != nil {
				v = math.NaN()
			}
			vals = append(vals, v)
		}
	}
	if rest := f.sampling - time.Since(start); rest > 0 {
		if !goutils.SelectContextOrWait(ctx, rest) {
			return nil, ctx.Err()
		}
	}
	if vals == nil {
		return nil, device.ErrNoData
	}
	return vals, nil
}

// Close closes the serial port.
func (f *FluxDAQ) Close(ctx context.Context) error {
	return f.bus.Close()
}
