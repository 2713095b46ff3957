// Package config loads and validates the process configuration from a JSON
// or YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/heatlab/thermacq/sink"
)

// maxCollectionDuration caps an unbounded run at seven days.
const maxCollectionDuration = 7 * 24 * time.Hour

// A Device entry names one instrument: a registered model tag, an optional
// name, and the free-form attribute map its driver decodes.
type Device struct {
	Model      string                 `json:"model" yaml:"model"`
	Name       string                 `json:"name" yaml:"name"`
	Attributes map[string]interface{} `json:"attributes" yaml:"attributes"`
}

// Config is the whole process configuration.
type Config struct {
	Devices []Device `json:"devices" yaml:"devices"`

	// WritingTime is the window length in seconds; the collector advances
	// boundaries by this step independent of any device's sampling period.
	WritingTime float64 `json:"writing_time" yaml:"writing_time"`

	// HoldingTime delays collection start, in seconds.
	HoldingTime float64 `json:"holding_time" yaml:"holding_time"`

	// CollectionDuration bounds the run, in seconds. Zero means the seven
	// day maximum.
	CollectionDuration float64 `json:"collection_duration" yaml:"collection_duration"`

	// Save enables the durable CSV sink.
	Save      bool   `json:"save" yaml:"save"`
	FilePath  string `json:"filepath" yaml:"filepath"`
	FileName  string `json:"filename" yaml:"filename"`
	Overwrite bool   `json:"overwrite" yaml:"overwrite"`

	// Optional live sinks.
	Influx *sink.InfluxConfig `json:"influx" yaml:"influx"`
	MQTT   *sink.MQTTConfig   `json:"mqtt" yaml:"mqtt"`
}

// Load reads, parses, and validates a config file. The format follows the
// file extension: .yaml/.yml is YAML, anything else JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "cannot parse YAML config %q", path)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "cannot parse JSON config %q", path)
		}
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts the engine depends on; device attributes are
// validated by their drivers at construction.
func (c *Config) Validate(path string) error {
	if len(c.Devices) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "devices")
	}
	for i, d := range c.Devices {
		if d.Model == "" {
			return goutils.NewConfigValidationFieldRequiredError(fmt.Sprintf("%s.devices.%d", path, i), "model")
		}
	}
	if c.WritingTime <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("writing_time must be greater than 0 seconds"))
	}
	if c.HoldingTime < 0 {
		return goutils.NewConfigValidationError(path, errors.New("holding_time must not be negative"))
	}
	if c.CollectionDuration < 0 {
		return goutils.NewConfigValidationError(path, errors.New("collection_duration must be greater than 0 seconds"))
	}
	return nil
}

// WritingPeriod returns the window length as a duration.
func (c *Config) WritingPeriod() time.Duration {
	return time.Duration(c.WritingTime * float64(time.Second))
}

// HoldingPeriod returns the pre-collection hold as a duration.
func (c *Config) HoldingPeriod() time.Duration {
	return time.Duration(c.HoldingTime * float64(time.Second))
}

// RunDuration returns the bounded collection duration.
func (c *Config) RunDuration() time.Duration {
	if c.CollectionDuration == 0 {
		return maxCollectionDuration
	}
	return time.Duration(c.CollectionDuration * float64(time.Second))
}

// DataFilePath resolves the CSV target, defaulting the name to a
// timestamped file in the working directory.
func (c *Config) DataFilePath(now time.Time) string {
	name := c.FileName
	if name == "" {
		name = "data_" + now.Format("20060102_150405") + ".csv"
	}
	dir := c.FilePath
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}
