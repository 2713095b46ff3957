package fluxdaq

import (
	"bytes"
	"context"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/heatlab/thermacq/device"
)

type fakeBus struct {
	mu      sync.Mutex
	readBuf bytes.Buffer
	writes  []string
	readErr error

	// silentDelay emulates the port's inter-character timeout: an empty
	// buffer blocks for this long before the read comes back empty.
	silentDelay time.Duration
}

func (fb *fakeBus) Write(p []byte) (int, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.writes = append(fb.writes, string(p))
	return len(p), nil
}

func (fb *fakeBus) Read(p []byte) (int, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.readErr != nil {
		return 0, fb.readErr
	}
	if fb.readBuf.Len() == 0 {
		if fb.silentDelay > 0 {
			time.Sleep(fb.silentDelay)
		}
		return 0, io.EOF
	}
	return fb.readBuf.Read(p)
}

func (fb *fakeBus) Close() error { return nil }

func testConf() *Config {
	return &Config{
		Port:         "/dev/ttyACM0",
		DAQType:      "COMPAQ",
		SamplingTime: 0.001,
		Sensors: map[string]SensorConfig{
			"1": {Q: true, SValue: 18.97},
			"2": {},
		},
	}
}

func newForTest(t *testing.T, conf *Config, fb *fakeBus) *FluxDAQ {
	t.Helper()
	f, err := build("", conf, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	f.settle = time.Millisecond
	test.That(t, f.initialize(context.Background(), fb), test.ShouldBeNil)
	return f
}

func TestBuildValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)

	conf := testConf()
	conf.DAQType = "OTHERDAQ"
	_, err := build("", conf, logger)
	test.That(t, err, test.ShouldNotBeNil)

	conf = testConf()
	conf.Sensors = nil
	_, err = build("", conf, logger)
	test.That(t, err, test.ShouldNotBeNil)

	conf = testConf()
	conf.Sensors["9"] = SensorConfig{}
	_, err = build("", conf, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")

	conf = testConf()
	conf.Sensors["1"] = SensorConfig{Q: true}
	_, err = build("", conf, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "s_value")
}

func TestHeaderAndName(t *testing.T) {
	f, err := build("", testConf(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Name(), test.ShouldEqual, "COMPAQ")
	test.That(t, f.Header(), test.ShouldResemble, []string{"q1", "T1", "T2"})
	test.That(t, f.reportCount, test.ShouldEqual, 2)
}

func TestInitializeHandshake(t *testing.T) {
	fb := &fakeBus{}
	newForTest(t, testConf(), fb)
	// Port count first, then one sensitivity per reported port.
	test.That(t, len(fb.writes), test.ShouldEqual, 3)
	test.That(t, fb.writes[0], test.ShouldEqual, "2")
	test.That(t, fb.writes[1], test.ShouldEqual, "18.97")
}

func TestRead(t *testing.T) {
	fb := &fakeBus{}
	f := newForTest(t, testConf(), fb)

	fb.readBuf.WriteString("12.5,20.1,13.0,21.2\n")
	vals, err := f.Read(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vals, test.ShouldResemble, []float64{12.5, 20.1, 21.2})
	test.That(t, len(vals), test.ShouldEqual, len(f.Header()))
}

func TestReadBadLine(t *testing.T) {
	fb := &fakeBus{}
	f := newForTest(t, testConf(), fb)

	fb.readBuf.WriteString("12.5,20.1\n")
	_, err := f.Read(context.Background())
	test.That(t, errors.Is(err, device.ErrNoData), test.ShouldBeTrue)
}

func TestReadUnparsableField(t *testing.T) {
	fb := &fakeBus{}
	f := newForTest(t, testConf(), fb)

	fb.readBuf.WriteString("xx,20.1,13.0,21.2\n")
	vals, err := f.Read(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.IsNaN(vals[0]), test.ShouldBeTrue)
	test.That(t, vals[1], test.ShouldEqual, 20.1)
}

func TestReadSilentCycleYieldsNoData(t *testing.T) {
	fb := &fakeBus{}
	f := newForTest(t, testConf(), fb)

	// Nothing buffered: the port timeout surfaces as an empty read.
	_, err := f.Read(context.Background())
	test.That(t, errors.Is(err, device.ErrNoData), test.ShouldBeTrue)
}

func TestReadErrorIsFatal(t *testing.T) {
	fb := &fakeBus{readErr: errors.New("input/output error")}
	f := newForTest(t, testConf(), fb)

	_, err := f.Read(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, device.IsFatal(err), test.ShouldBeTrue)
}

func TestPrecheck(t *testing.T) {
	fb := &fakeBus{}
	f := newForTest(t, testConf(), fb)
	for i := 0; i < f.precheckSteps; i++ {
		fb.readBuf.WriteString("12.5,20.1,13.0,21.2\n")
	}
	test.That(t, f.Precheck(context.Background()), test.ShouldBeNil)
}

func TestPrecheckSilentLink(t *testing.T) {
	fb := &fakeBus{}
	f := newForTest(t, testConf(), fb)
	err := f.Precheck(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not responding properly")
}

func TestPrecheckDeadLinkFailsFast(t *testing.T) {
	// A dead link never delivers a byte: each read waits out the port
	// timeout and comes back empty. The precheck must fail after its probe
	// budget instead of blocking the whole startup.
	fb := &fakeBus{silentDelay: 2 * time.Millisecond}
	f := newForTest(t, testConf(), fb)

	done := make(chan error, 1)
	go func() {
		done <- f.Precheck(context.Background())
	}()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "not responding properly")
	case <-time.After(5 * time.Second):
		t.Fatal("precheck did not return on a dead link")
	}
}
