// Package main runs a thermacq acquisition: build and precheck the
// configured devices, poll each on its own worker, merge the streams into
// windowed rows, and persist them until the run ends or a worker dies.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/heatlab/thermacq/collector"
	"github.com/heatlab/thermacq/config"
	"github.com/heatlab/thermacq/device"
	"github.com/heatlab/thermacq/sink"

	// register all device models.
	_ "github.com/heatlab/thermacq/device/fake"
	_ "github.com/heatlab/thermacq/device/fluxdaq"
	_ "github.com/heatlab/thermacq/device/smtc"
	_ "github.com/heatlab/thermacq/device/tcm"
)

var logger = golog.NewDevelopmentLogger("thermacq")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	configPath := flags.String("config", "config.json", "path to the JSON or YAML configuration file")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	devices, err := buildDevices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, dev := range devices {
			goutils.UncheckedError(dev.Close(context.Background()))
		}
	}()

	workers := make([]*collector.Worker, 0, len(devices))
	sources := make([]collector.Source, 0, len(devices))
	for _, dev := range devices {
		w := collector.NewWorker(dev, logger)
		workers = append(workers, w)
		sources = append(sources, collector.Source{
			Name:     dev.Name(),
			Header:   dev.Header(),
			Readings: w.Readings(),
		})
	}

	coll, err := collector.New(sources, clock.New(), logger)
	if err != nil {
		return err
	}
	logger.Infow("devices initialized", "header", coll.Header())

	if err := addSinks(coll, cfg, logger); err != nil {
		return err
	}

	runErr := collector.Run(ctx, coll, workers, collector.RunOptions{
		WritingTime: cfg.WritingPeriod(),
		HoldingTime: cfg.HoldingPeriod(),
		Duration:    cfg.RunDuration(),
		OnRow: func(row map[string]float64) {
			logger.Infof("latest row: %s", formatRow(row))
		},
	})
	return multierr.Combine(runErr, coll.Close())
}

func buildDevices(ctx context.Context, cfg *config.Config, logger golog.Logger) ([]device.Device, error) {
	var devices []device.Device
	for i, dc := range cfg.Devices {
		dev, err := device.New(ctx, dc.Model, dc.Name, dc.Attributes, logger)
		if err != nil {
			for _, built := range devices {
				goutils.UncheckedError(built.Close(ctx))
			}
			return nil, errors.Wrapf(err, "device %d (%s)", i, dc.Model)
		}
		logger.Infow("device ready", "name", dev.Name(), "model", dc.Model,
			"sampling_period", dev.SamplingPeriod(), "channels", dev.Header())
		devices = append(devices, dev)
	}
	return devices, nil
}

// addSinks wires the configured sinks. The durable CSV sink goes first so
// its write errors abort the run.
func addSinks(coll *collector.Collector, cfg *config.Config, logger golog.Logger) error {
	if cfg.Save {
		path := cfg.DataFilePath(time.Now())
		csvSink, err := sink.NewCSV(path, coll.Header(), cfg.Overwrite, logger)
		if err != nil {
			return err
		}
		logger.Infow("writing data", "path", path)
		coll.AddSink(csvSink)
	}
	if cfg.Influx != nil {
		influxSink, err := sink.NewInflux(*cfg.Influx, coll.Header(), logger)
		if err != nil {
			return err
		}
		coll.AddSink(influxSink)
	}
	if cfg.MQTT != nil {
		mqttSink, err := sink.NewMQTT(*cfg.MQTT, coll.Header(), logger)
		if err != nil {
			return err
		}
		coll.AddSink(mqttSink)
	}
	return nil
}

func formatRow(row map[string]float64) string {
	parts := make([]string, 0, len(row))
	for k, v := range row {
		parts = append(parts, fmt.Sprintf("%s=%.2f", k, v))
	}
	return strings.Join(parts, " ")
}
