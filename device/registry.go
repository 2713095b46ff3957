package device

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// A Constructor builds a device from its name and raw attribute map. The
// attribute map comes straight from the config file; constructors decode it
// with DecodeAttributes into their own config struct.
type Constructor func(ctx context.Context, name string, attributes map[string]interface{}, logger golog.Logger) (Device, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register associates a model tag with a constructor. Driver packages call
// this from init; registering the same tag twice panics since it can only be
// a programmer error.
func Register(model string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[model]; ok {
		panic(errors.Errorf("duplicate device model registration %q", model))
	}
	if c == nil {
		panic(errors.Errorf("nil constructor for device model %q", model))
	}
	registry[model] = c
}

// RegisteredModels returns the known model tags.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := make([]string, 0, len(registry))
	for m := range registry {
		models = append(models, m)
	}
	return models
}

// New builds and prechecks a device of the given model. An unknown model is a
// configuration error.
func New(ctx context.Context, model, name string, attributes map[string]interface{}, logger golog.Logger) (Device, error) {
	registryMu.RLock()
	c, ok := registry[model]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown device model %q (registered: %v)", model, RegisteredModels())
	}
	dev, err := c(ctx, name, attributes, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot build device model %q", model)
	}
	if err := dev.Precheck(ctx); err != nil {
		if closeErr := dev.Close(ctx); closeErr != nil {
			logger.Errorw("error closing device after failed precheck", "device", dev.Name(), "error", closeErr)
		}
		return nil, errors.Wrapf(err, "precheck failed for device %q", dev.Name())
	}
	return dev, nil
}

// DecodeAttributes converts a raw attribute map into a driver config struct
// using its mapstructure tags.
func DecodeAttributes(attributes map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(attributes); err != nil {
		return errors.Wrap(err, "cannot decode device attributes")
	}
	return nil
}
