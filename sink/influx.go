package sink

import (
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
)

const influxConnectTimeout = 10 * time.Second

// InfluxConfig configures the optional InfluxDB live sink.
type InfluxConfig struct {
	URL         string `json:"url" yaml:"url" mapstructure:"url"`
	Token       string `json:"token" yaml:"token" mapstructure:"token"`
	Org         string `json:"org" yaml:"org" mapstructure:"org"`
	Bucket      string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Measurement string `json:"measurement" yaml:"measurement" mapstructure:"measurement"`
}

// Influx writes one point per channel per window through the non-blocking
// batched write API. It is a live-inspection sink: losing points is
// preferable to stalling acquisition, so write errors are only logged.
type Influx struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	labels      []string
	logger      golog.Logger
}

// NewInflux connects and pings the server.
func NewInflux(cfg InfluxConfig, labels []string, logger golog.Logger) (*Influx, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx: url is required")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "thermacq"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "influx: cannot reach %q", cfg.URL)
	}
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := &Influx{
		client:      client,
		writeAPI:    writeAPI,
		measurement: measurement,
		labels:      append([]string{}, labels...),
		logger:      logger,
	}
	// The write API is asynchronous; surface its errors in the log.
	errCh := writeAPI.Errors()
	go func() {
		for err := range errCh {
			logger.Warnw("influx async write error", "error", err)
		}
	}()
	return s, nil
}

// WriteRow emits one point per known channel. NaN values have no numeric
// representation in line protocol and are skipped.
func (s *Influx) WriteRow(t time.Time, row []float64) error {
	if len(row) != len(s.labels) {
		return errors.Errorf("row length %d does not match header length %d", len(row), len(s.labels))
	}
	for i, v := range row {
		if math.IsNaN(v) {
			continue
		}
		point := write.NewPoint(
			s.measurement,
			map[string]string{"channel": s.labels[i]},
			map[string]interface{}{"value": v},
			t,
		)
		s.writeAPI.WritePoint(point)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (s *Influx) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
