// Package tcm implements a driver for TCM thermocouple control modules
// sharing one half-duplex multi-drop serial bus.
//
// Every readable or writable quantity is a named attribute on an addressed
// module, configured as a slot string "ATTR@ADDR". A read cycle sends one
// request line per slot, waits the bus settle gap after each, then drains
// exactly one framed response line per slot. Reads and writes share the one
// physical channel; a bus-wide mutex serializes whole cycles so that the
// request/response pairing of one cycle can never interleave with another's.
package tcm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/heatlab/thermacq/device"
)

// Model is the registry tag for this driver.
const Model = "tcm"

const (
	defaultBaudRate     = 57600
	defaultCmdGap       = 75 * time.Millisecond
	defaultSamplingTime = 2 * time.Second

	// timingMargin pads the per-cycle floor beyond the raw sum of
	// inter-command gaps.
	timingMargin = 5 * time.Millisecond
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

// Config holds the bus and slot configuration for one TCM stack.
type Config struct {
	Port         string    `mapstructure:"port"`
	BaudRate     uint      `mapstructure:"baudrate"`
	ReadKeys     []string  `mapstructure:"read_keys"`
	Write        bool      `mapstructure:"write"`
	WriteKeys    []string  `mapstructure:"write_keys"`
	WriteVals    []float64 `mapstructure:"write_vals"`
	CmdGap       float64   `mapstructure:"cmd_gap"`       // seconds
	SamplingTime float64   `mapstructure:"sampling_time"` // seconds
}

// A slot is one (attribute, address) pair on the bus.
type slot struct {
	attr string
	addr int
}

func (s slot) label() string { return fmt.Sprintf("%s@%d", s.attr, s.addr) }

func parseSlot(key string) (slot, error) {
	parts := strings.Split(key, "@")
	if len(parts) != 2 || parts[0] == "" {
		return slot{}, errors.Errorf("slot %q must have the form ATTR@ADDR", key)
	}
	addr, err := strconv.Atoi(parts[1])
	if err != nil || addr < 1 {
		return slot{}, errors.Errorf("slot %q has invalid module address %q", key, parts[1])
	}
	return slot{attr: parts[0], addr: addr}, nil
}

// ErrorCode is a device-reported command status.
type ErrorCode int

// Codes reported by the modules. Executed and Saved are the only success
// codes; everything else aborts the command that provoked it.
const (
	CodeInvalidModule ErrorCode = 0
	CodeExecuted      ErrorCode = 1
	CodeInvalidParam  ErrorCode = 2
	CodeForbidden     ErrorCode = 3
	CodeOutOfRange    ErrorCode = 4
	CodeUnknownError  ErrorCode = 5
	CodeFormatError   ErrorCode = 6
	CodeVerifyError   ErrorCode = 7
	CodeSaved         ErrorCode = 8
)

var errorCodeText = map[ErrorCode]string{
	CodeInvalidModule: "invalid module",
	CodeExecuted:      "command executed properly",
	CodeInvalidParam:  "invalid parameter",
	CodeForbidden:     "command is forbidden",
	CodeOutOfRange:    "parameter out of range",
	CodeUnknownError:  "unknown error",
	CodeFormatError:   "format error",
	CodeVerifyError:   "verification error",
	CodeSaved:         "save executed properly",
}

func (c ErrorCode) String() string {
	if text, ok := errorCodeText[c]; ok {
		return text
	}
	return fmt.Sprintf("unrecognized error code %d", int(c))
}

// ok reports whether the code indicates a successfully executed or saved
// command.
func (c ErrorCode) ok() bool { return c == CodeExecuted || c == CodeSaved }

// A CommandError is a device-reported failure for one slot.
type CommandError struct {
	Attr string
	Addr int
	Code ErrorCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("module %d reported %q (code %d) for attribute %s", e.Addr, e.Code.String(), int(e.Code), e.Attr)
}

// extractErrorCode pulls the status digit out of a "CMD:...=CODE" line. The
// second return is false when the line is not an error line.
func extractErrorCode(line string) (ErrorCode, bool) {
	if !strings.HasPrefix(line, "CMD:") {
		return 0, false
	}
	idx := strings.IndexByte(line, '=')
	if idx < 0 || idx+1 >= len(line) {
		return CodeUnknownError, true
	}
	code, err := strconv.Atoi(line[idx+1 : idx+2])
	if err != nil {
		return CodeUnknownError, true
	}
	return ErrorCode(code), true
}

// TCM drives one multi-drop bus of thermocouple control modules.
type TCM struct {
	name     string
	sampling time.Duration
	gap      time.Duration

	slots  []slot
	labels []string

	writeMode  bool
	writeSlots []slot
	writeOrder []string
	writeIndex map[string]int // label -> position in writeSlots
	writeVals  []float64      // optional verification values for precheck

	// mu serializes entire read cycles and entire write batches on the
	// shared half-duplex bus. Granularity is one full cycle: the protocol
	// has no sequence numbers, so a partially interleaved cycle cannot be
	// recovered.
	mu  sync.Mutex
	bus io.ReadWriteCloser

	logger golog.Logger
}

// New opens the serial port and builds a TCM bus device. Construction fails
// on malformed or duplicate slots, write mode without write keys, or a
// sampling period below the protocol timing floor.
func New(ctx context.Context, name string, conf *Config, logger golog.Logger) (*TCM, error) {
	if conf.Port == "" {
		return nil, errors.New("tcm: port is required")
	}
	baud := conf.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	options := serial.OpenOptions{
		PortName:              conf.Port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		InterCharacterTimeout: 100,
	}
	bus, err := serial.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "tcm: cannot open serial port %q", conf.Port)
	}
	t, err := newTCM(name, conf, bus, logger)
	if err != nil {
		goutils.UncheckedError(bus.Close())
		return nil, err
	}
	return t, nil
}

// newTCM builds the device around an already-open bus. Split from New so
// tests can inject a fake bus.
func newTCM(name string, conf *Config, bus io.ReadWriteCloser, logger golog.Logger) (*TCM, error) {
	if name == "" {
		name = "TCM"
	}
	gap := defaultCmdGap
	if conf.CmdGap > 0 {
		gap = time.Duration(conf.CmdGap * float64(time.Second))
	}
	sampling := defaultSamplingTime
	if conf.SamplingTime > 0 {
		sampling = time.Duration(conf.SamplingTime * float64(time.Second))
	}

	if conf.Write && len(conf.WriteKeys) == 0 {
		return nil, errors.New("tcm: write mode requires write_keys")
	}
	if !conf.Write && len(conf.WriteKeys) > 0 {
		logger.Warnw("write_keys configured but write mode disabled; keys ignored", "device", name)
	}
	if conf.Write && len(conf.WriteVals) > 0 && len(conf.WriteVals) != len(conf.WriteKeys) {
		return nil, errors.Errorf("tcm: %d write_vals for %d write_keys", len(conf.WriteVals), len(conf.WriteKeys))
	}
	if len(conf.ReadKeys) == 0 && !conf.Write {
		return nil, errors.New("tcm: read_keys is required")
	}

	t := &TCM{
		name:       name,
		sampling:   sampling,
		gap:        gap,
		writeMode:  conf.Write,
		writeIndex: map[string]int{},
		bus:        bus,
		logger:     logger,
	}

	seen := map[string]int{}
	addKey := func(key string) (int, error) {
		if idx, ok := seen[key]; ok {
			return idx, nil
		}
		s, err := parseSlot(key)
		if err != nil {
			return 0, err
		}
		t.slots = append(t.slots, s)
		t.labels = append(t.labels, key)
		seen[key] = len(t.slots) - 1
		return len(t.slots) - 1, nil
	}

	for _, key := range conf.ReadKeys {
		if _, dup := seen[key]; dup {
			return nil, errors.Errorf("tcm: duplicate read key %q", key)
		}
		if _, err := addKey(key); err != nil {
			return nil, err
		}
	}
	if conf.Write {
		for _, key := range conf.WriteKeys {
			if _, ok := t.writeIndex[key]; ok {
				return nil, errors.Errorf("tcm: duplicate write key %q", key)
			}
			// A write key that is also a read key shares its slot; it is
			// still polled once per cycle.
			idx, err := addKey(key)
			if err != nil {
				return nil, err
			}
			t.writeIndex[key] = len(t.writeSlots)
			t.writeSlots = append(t.writeSlots, t.slots[idx])
			t.writeOrder = append(t.writeOrder, key)
		}
		t.writeVals = conf.WriteVals
	}

	// The cycle physically cannot complete faster than one settle gap per
	// slot; a sampling period at or below that floor would silently degrade
	// the data rate, so reject it outright.
	floor := time.Duration(len(t.slots))*t.gap + timingMargin
	if t.sampling <= floor {
		return nil, errors.Errorf(
			"tcm: sampling period %v must exceed %v (%d slots x %v gap + %v margin)",
			t.sampling, floor, len(t.slots), t.gap, timingMargin)
	}

	return t, nil
}

// Name returns the device name.
func (t *TCM) Name() string { return t.name }

// SamplingPeriod returns the nominal time between samples.
func (t *TCM) SamplingPeriod() time.Duration { return t.sampling }

// Header returns the slot labels in read order. Write-only slots are
// included; they are polled like any other slot.
func (t *TCM) Header() []string {
	out := make([]string, len(t.labels))
	copy(out, t.labels)
	return out
}

// WritableChannels returns the labels accepted by Write.
func (t *TCM) WritableChannels() []string {
	out := make([]string, len(t.writeOrder))
	copy(out, t.writeOrder)
	return out
}

// Precheck reads every configured slot once, failing on missing responses or
// device-reported errors, and in write mode verifies writability by writing
// either the configured values or the values just read back.
func (t *TCM) Precheck(ctx context.Context) error {
	initVals, err := t.precheckRead(ctx)
	if err != nil {
		return err
	}
	if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
		return ctx.Err()
	}
	if t.writeMode {
		vals := t.writeVals
		if len(vals) == 0 {
			// No explicit verification values: echo back what each
			// writable slot currently holds.
			vals = make([]float64, len(t.writeSlots))
			for i, key := range t.writeOrder {
				for j, label := range t.labels {
					if label == key {
						vals[i] = initVals[j]
					}
				}
			}
		}
		if err := t.writeBatch(ctx, t.writeSlots, vals); err != nil {
			return errors.Wrap(err, "write precheck failed")
		}
		t.logger.Infow("write precheck passed", "device", t.name, "channels", t.writeOrder)
	}
	return nil
}

func (t *TCM) precheckRead(ctx context.Context) ([]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	vals := make([]float64, len(t.slots))
	for i, s := range t.slots {
		if err := t.sendRequest(ctx, s); err != nil {
			return nil, err
		}
		lines, err := t.drainLines(1)
		if err != nil {
			return nil, device.Fatal(err)
		}
		if len(lines) == 0 {
			return nil, errors.Errorf("module %d is possibly not connected (no response for %s)", s.addr, s.attr)
		}
		if code, isErr := extractErrorCode(lines[0]); isErr {
			return nil, &CommandError{Attr: s.attr, Addr: s.addr, Code: code}
		}
		v, ok := parseValueLine(lines[0], s)
		if !ok {
			return nil, errors.Errorf("module %d returned malformed line %q for %s", s.addr, lines[0], s.attr)
		}
		vals[i] = v
		t.logger.Infow("slot responding", "device", t.name, "slot", s.label(), "value", v)
	}
	return vals, nil
}

// Read performs one full read cycle and paces itself to the sampling period.
// A cycle whose response count does not match the slot count yields ErrNoData
// with no attempt at mid-cycle realignment; misaligned framing after a
// partial drain would only produce a second misaligned read.
func (t *TCM) Read(ctx context.Context) ([]float64, error) {
	start := time.Now()
	vals, err := t.readCycle(ctx)
	if device.IsFatal(err) {
		// The link is gone; pacing would only delay the worker's death and
		// could mask the fault behind a cancellation error.
		return nil, err
	}
	if waitErr := t.paceFrom(ctx, start); waitErr != nil {
		return nil, waitErr
	}
	return vals, err
}

func (t *TCM) readCycle(ctx context.Context) ([]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots {
		if err := t.sendRequest(ctx, s); err != nil {
			return nil, err
		}
	}
	lines, err := t.drainLines(len(t.slots))
	if err != nil {
		return nil, device.Fatal(err)
	}
	if len(lines) != len(t.slots) {
		t.logger.Debugw("response count mismatch, dropping cycle",
			"device", t.name, "want", len(t.slots), "got", len(lines))
		return nil, device.ErrNoData
	}
	vals := make([]float64, len(t.slots))
	for i, line := range lines {
		if code, isErr := extractErrorCode(line); isErr {
			t.logger.Debugw("error line in read cycle, dropping cycle",
				"device", t.name, "slot", t.slots[i].label(), "code", int(code), "status", code.String())
			return nil, device.ErrNoData
		}
		v, ok := parseValueLine(line, t.slots[i])
		if !ok {
			v = math.NaN()
		}
		vals[i] = v
	}
	return vals, nil
}

// Write sends one setpoint per given channel label as a single batch. Labels
// must be writable channels; the batch shares the bus mutex with read cycles
// so its request/response pairs never interleave with a poll.
func (t *TCM) Write(ctx context.Context, values map[string]float64) error {
	if !t.writeMode {
		return errors.Wrapf(device.ErrWriteDisabled, "device %q", t.name)
	}
	if len(values) == 0 {
		return errors.New("tcm: no values to write")
	}
	slots := make([]slot, 0, len(values))
	vals := make([]float64, 0, len(values))
	matched := 0
	for _, key := range t.writeOrder {
		v, ok := values[key]
		if !ok {
			continue
		}
		slots = append(slots, t.writeSlots[t.writeIndex[key]])
		vals = append(vals, v)
		matched++
	}
	if matched != len(values) {
		for key := range values {
			if _, ok := t.writeIndex[key]; !ok {
				return errors.Errorf("tcm: %q is not a writable channel of device %q", key, t.name)
			}
		}
	}
	return t.writeBatch(ctx, slots, vals)
}

func (t *TCM) writeBatch(ctx context.Context, slots []slot, vals []float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range slots {
		if err := t.sendWrite(ctx, s, vals[i]); err != nil {
			return err
		}
	}
	lines, err := t.drainLines(len(slots))
	if err != nil {
		return device.Fatal(err)
	}
	if len(lines) != len(slots) {
		return errors.Errorf("tcm: %d responses for %d written slots", len(lines), len(slots))
	}
	for i, line := range lines {
		code, isErr := extractErrorCode(line)
		if !isErr {
			return errors.Errorf("tcm: unexpected response %q to write on slot %s", line, slots[i].label())
		}
		if !code.ok() {
			return &CommandError{Attr: slots[i].attr, Addr: slots[i].addr, Code: code}
		}
	}
	return nil
}

func (t *TCM) sendRequest(ctx context.Context, s slot) error {
	if _, err := t.bus.Write([]byte(fmt.Sprintf("%s?@%d\r", s.attr, s.addr))); err != nil {
		return device.Fatal(errors.Wrap(err, "bus write failed"))
	}
	if !goutils.SelectContextOrWait(ctx, t.gap) {
		return ctx.Err()
	}
	return nil
}

func (t *TCM) sendWrite(ctx context.Context, s slot, val float64) error {
	if _, err := t.bus.Write([]byte(fmt.Sprintf("%s=%v@%d\r", s.attr, val, s.addr))); err != nil {
		return device.Fatal(errors.Wrap(err, "bus write failed"))
	}
	if !goutils.SelectContextOrWait(ctx, t.gap) {
		return ctx.Err()
	}
	return nil
}

// drainLines reads whatever the bus has buffered, up to the point where want
// complete lines have arrived or the port goes silent, and returns the
// complete '\r'-terminated lines.
func (t *TCM) drainLines(want int) ([]string, error) {
	var raw []byte
	buf := make([]byte, 256)
	for bytes.Count(raw, []byte{'\r'}) < want {
		n, err := t.bus.Read(buf)
		raw = append(raw, buf[:n]...)
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "bus read failed")
		}
	}
	parts := strings.Split(string(raw), "\r")
	var lines []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			lines = append(lines, p)
		}
	}
	return lines, nil
}

// parseValueLine extracts the value from an "ATTR=VALUE@ADDR" response line.
func parseValueLine(line string, s slot) (float64, bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return 0, false
	}
	v := strings.TrimSuffix(line[idx+1:], fmt.Sprintf("@%d", s.addr))
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// paceFrom waits out the remainder of the sampling period measured from
// start.
func (t *TCM) paceFrom(ctx context.Context, start time.Time) error {
	rest := t.sampling - time.Since(start)
	if rest <= 0 {
		return nil
	}
	if !goutils.SelectContextOrWait(ctx, rest) {
		return ctx.Err()
	}
	return nil
}

// Close closes the serial port.
func (t *TCM) Close(ctx context.Context) error {
	return t.bus.Close()
}
