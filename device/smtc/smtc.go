// Package smtc implements a driver for Sequent Microsystems thermocouple
// HATs driven through the smtc command-line tool. Each HAT carries eight
// input channels and up to eight HATs stack at addresses 0-7. Heat-flux
// channels are read in millivolts and scaled by 1000/s_value; temperature
// channels are read directly.
package smtc

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/heatlab/thermacq/device"
)

// Model is the registry tag for this driver.
const Model = "smtc"

const defaultSamplingTime = 2 * time.Second

// Thermocouple type codes accepted by the stypewr command.
var sensorTypes = map[string]int{
	"B": 0, "E": 1, "J": 2, "K": 3, "N": 4, "R": 5, "S": 6, "T": 7,
}

func init() {
	device.Register(Model, func(ctx context.Context, name string, attributes map[string]interface{}, logger golog.Logger) (device.Device, error) {
		var conf Config
		if err := device.DecodeAttributes(attributes, &conf); err != nil {
			return nil, err
		}
		return New(ctx, name, &conf, logger)
	})
}

// SensorConfig describes one thermocouple channel.
type SensorConfig struct {
	Type   string  `mapstructure:"type"`
	Q      bool    `mapstructure:"q"`
	SValue float64 `mapstructure:"s_value"`
}

// Config holds the stack address and channel map for one HAT.
type Config struct {
	Stack        int                     `mapstructure:"stack"`
	SamplingTime float64                 `mapstructure:"sampling_time"` // seconds
	Sensors      map[string]SensorConfig `mapstructure:"sensors"`

	// IgnoreOpenCircuit lets the operator override the fatal 0 mV precheck
	// result for channels known to read zero at startup.
	IgnoreOpenCircuit bool `mapstructure:"ignore_open_circuit"`
}

// runner executes the smtc binary. Injected so tests run without hardware.
type runner func(ctx context.Context, args ...string) (string, error)

func execRunner(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "smtc", args...).Output()
	return strings.TrimRight(string(out), "\n"), err
}

type channelRead struct {
	cmd   string
	coeff float64
}

// SMTC reads thermocouple channels of one stacked HAT through the smtc CLI.
type SMTC struct {
	name     string
	address  string
	sampling time.Duration

	channels []int
	reads    map[int]channelRead
	header   []string

	ignoreOpenCircuit bool

	// precheckSettle spaces the per-channel precheck probes out so an
	// operator can follow them on the rig.
	precheckSettle time.Duration

	run    runner
	logger golog.Logger
}

// New validates the stack and channel map, verifies the smtc tool and stack
// presence, and configures the per-channel sensor types on the HAT.
func New(ctx context.Context, name string, conf *Config, logger golog.Logger) (*SMTC, error) {
	return newSMTC(ctx, name, conf, execRunner, logger)
}

func newSMTC(ctx context.Context, name string, conf *Config, run runner, logger golog.Logger) (*SMTC, error) {
	if conf.Stack < 0 || conf.Stack > 7 {
		return nil, errors.Errorf("smtc: stack %d out of range 0-7", conf.Stack)
	}
	if len(conf.Sensors) == 0 {
		return nil, errors.New("smtc: at least one sensor is required")
	}
	if name == "" {
		name = fmt.Sprintf("SMTC%d", conf.Stack)
	}

	s := &SMTC{
		name:              name,
		address:           strconv.Itoa(conf.Stack),
		sampling:          defaultSamplingTime,
		reads:             map[int]channelRead{},
		ignoreOpenCircuit: conf.IgnoreOpenCircuit,
		precheckSettle:    500 * time.Millisecond,
		run:               run,
		logger:            logger,
	}
	if conf.SamplingTime > 0 {
		s.sampling = time.Duration(conf.SamplingTime * float64(time.Second))
	}

	if _, err := run(ctx, "-h"); err != nil {
		return nil, errors.Wrap(err, "smtc command not found; install the smtc tool and put it on PATH")
	}
	stacks, err := s.listStacks(ctx)
	if err != nil {
		return nil, err
	}
	if !contains(stacks, s.address) {
		return nil, errors.Errorf("smtc: stack %s not present (available: %v)", s.address, stacks)
	}

	for idStr := range conf.Sensors {
		id, convErr := strconv.Atoi(idStr)
		if convErr != nil {
			return nil, errors.Errorf("smtc: channel id %q is not an integer", idStr)
		}
		if id < 1 || id > 8 {
			return nil, errors.Errorf("smtc: channel id %d out of range 1-8", id)
		}
		s.channels = append(s.channels, id)
	}
	sort.Ints(s.channels)

	for _, id := range s.channels {
		sensor := conf.Sensors[strconv.Itoa(id)]
		sensorType := sensor.Type
		if sensorType == "" {
			sensorType = "K"
		}
		typeCode, ok := sensorTypes[sensorType]
		if !ok {
			return nil, errors.Errorf("smtc: channel %d has invalid sensor type %q", id, sensorType)
		}
		if _, err := run(ctx, s.address, "stypewr", strconv.Itoa(id), strconv.Itoa(typeCode)); err != nil {
			return nil, errors.Wrapf(err, "smtc: cannot set sensor type on channel %d", id)
		}
		if sensor.Q {
			if sensor.SValue <= 0 {
				return nil, errors.Errorf("smtc: channel %d needs s_value > 0 when flux is enabled", id)
			}
			s.reads[id] = channelRead{cmd: "readmv", coeff: 1000 / sensor.SValue}
			s.header = append(s.header, fmt.Sprintf("q%d@%s%s", id, "SMTC", s.address))
		} else {
			s.reads[id] = channelRead{cmd: "read", coeff: 1}
			s.header = append(s.header, fmt.Sprintf("T%d@%s%s", id, "SMTC", s.address))
		}
	}
	return s, nil
}

// listStacks parses the stack addresses reported by "smtc -list". The second
// output line holds the addresses after a leading token.
func (s *SMTC) listStacks(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "-list")
	if err != nil {
		return nil, errors.Wrap(err, "smtc: cannot list stacks")
	}
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return nil, errors.Errorf("smtc: unexpected -list output %q", out)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return nil, errors.Errorf("smtc: no stacks reported in %q", lines[1])
	}
	return fields[1:], nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Name returns the device name.
func (s *SMTC) Name() string { return s.name }

// SamplingPeriod returns the nominal time between samples.
func (s *SMTC) SamplingPeriod() time.Duration { return s.sampling }

// Header returns the channel labels in channel order.
func (s *SMTC) Header() []string {
	out := make([]string, len(s.header))
	copy(out, s.header)
	return out
}

// Precheck reads every channel's raw voltage; 0 mV indicates a likely open
// circuit and fails the precheck unless ignore_open_circuit is set.
func (s *SMTC) Precheck(ctx context.Context) error {
	for _, id := range s.channels {
		out, err := s.run(ctx, s.address, "readmv", strconv.Itoa(id))
		if err != nil {
			return errors.Wrapf(err, "smtc: precheck read failed on channel %d", id)
		}
		mv, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
		if err != nil {
			return errors.Errorf("smtc: precheck channel %d returned %q", id, out)
		}
		if mv == 0 {
			if !s.ignoreOpenCircuit {
				return errors.Errorf("smtc: 0 mV at channel %d, likely open circuit (set ignore_open_circuit to override)", id)
			}
			s.logger.Warnw("0 mV at channel, continuing per operator override", "device", s.name, "channel", id)
		} else {
			s.logger.Infow("channel connected", "device", s.name, "channel", id, "millivolts", mv)
		}
		if !goutils.SelectContextOrWait(ctx, s.precheckSettle) {
			return ctx.Err()
		}
	}
	return nil
}

// Read polls every channel once through the CLI and paces itself to the
// sampling period. Unparsable command output yields NaN for that channel; a
// failed command execution is fatal since the tool itself has gone away.
func (s *SMTC) Read(ctx context.Context) ([]float64, error) {
	start := time.Now()
	vals := make([]float64, 0, len(s.channels))
	for _, id := range s.channels {
		read := s.reads[id]
		out, err := s.run(ctx, s.address, read.cmd, strconv.Itoa(id))
		if err != nil {
			return nil, device.Fatal(errors.Wrapf(err, "smtc: %s failed on channel %d", read.cmd, id))
		}
		v, parseErr := strconv.ParseFloat(strings.TrimSpace(out), 64)
		if parseErr != nil {
			v = math.NaN()
		}
		vals = append(vals, v*read.coeff)
	}
	if rest := s.sampling - time.Since(start); rest > 0 {
		if !goutils.SelectContextOrWait(ctx, rest) {
			return nil, ctx.Err()
		}
	}
	return vals, nil
}

// Close is a no-op; the CLI holds no persistent handle.
func (s *SMTC) Close(ctx context.Context) error {
	return nil
}
