package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func writeConf(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(path, []byte(contents), 0o644), test.ShouldBeNil)
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConf(t, "conf.json", `{
		"devices": [
			{"model": "tcm", "name": "bus1", "attributes": {"port": "/dev/ttyUSB0"}}
		],
		"writing_time": 2,
		"holding_time": 0.5,
		"collection_duration": 3600,
		"save": true,
		"filename": "run.csv"
	}`)
	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(cfg.Devices), test.ShouldEqual, 1)
	test.That(t, cfg.Devices[0].Model, test.ShouldEqual, "tcm")
	test.That(t, cfg.Devices[0].Attributes["port"], test.ShouldEqual, "/dev/ttyUSB0")
	test.That(t, cfg.WritingPeriod(), test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.HoldingPeriod(), test.ShouldEqual, 500*time.Millisecond)
	test.That(t, cfg.RunDuration(), test.ShouldEqual, time.Hour)
}

func TestLoadYAML(t *testing.T) {
	path := writeConf(t, "conf.yaml", `
devices:
  - model: fluxdaq
    attributes:
      port: /dev/ttyUSB1
      daq_type: COMPAQ
writing_time: 1
`)
	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Devices[0].Model, test.ShouldEqual, "fluxdaq")
	test.That(t, cfg.Devices[0].Attributes["daq_type"], test.ShouldEqual, "COMPAQ")
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		errPart  string
	}{
		{"no devices", `{"writing_time": 1}`, `"devices" is required`},
		{"missing model", `{"devices": [{"name": "x"}], "writing_time": 1}`, `"model" is required`},
		{"zero writing time", `{"devices": [{"model": "tcm"}]}`, "writing_time"},
		{"negative hold", `{"devices": [{"model": "tcm"}], "writing_time": 1, "holding_time": -1}`, "holding_time"},
		{"negative duration", `{"devices": [{"model": "tcm"}], "writing_time": 1, "collection_duration": -5}`, "collection_duration"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConf(t, "conf.json", tc.contents))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errPart)
		})
	}
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Load(writeConf(t, "conf.json", "not json"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Load(writeConf(t, "conf.yaml", ":\tnot yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDurationDefaults(t *testing.T) {
	cfg := &Config{WritingTime: 1, Devices: []Device{{Model: "fake"}}}
	test.That(t, cfg.Validate("conf"), test.ShouldBeNil)
	test.That(t, cfg.RunDuration(), test.ShouldEqual, 7*24*time.Hour)
	test.That(t, cfg.HoldingPeriod(), test.ShouldEqual, time.Duration(0))
}

func TestDataFilePath(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)

	cfg := &Config{}
	test.That(t, cfg.DataFilePath(now), test.ShouldEqual, "data_20240501_123045.csv")

	cfg = &Config{FilePath: "/var/log/lab", FileName: "run7.csv"}
	test.That(t, cfg.DataFilePath(now), test.ShouldEqual, "/var/log/lab/run7.csv")
}
