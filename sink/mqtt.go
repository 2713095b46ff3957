package sink

import (
	"encoding/json"
	"math"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 2 * time.Second

	// mqttDisconnectQuiesceMs lets in-flight publishes finish on Close.
	mqttDisconnectQuiesceMs = 250
)

// MQTTConfig configures the optional MQTT snapshot publisher.
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker" mapstructure:"broker"`
	ClientID string `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	Topic    string `json:"topic" yaml:"topic" mapstructure:"topic"`
	QoS      byte   `json:"qos" yaml:"qos" mapstructure:"qos"`
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
}

// MQTT publishes each merged row as a retained JSON snapshot so new
// subscribers immediately see the latest state.
type MQTT struct {
	client pahomqtt.Client
	topic  string
	qos    byte
	labels []string
	logger golog.Logger
}

// NewMQTT connects to the broker.
func NewMQTT(cfg MQTTConfig, labels []string, logger golog.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "thermacq/row"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "thermacq"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.Errorf("mqtt: connection to %q timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt: cannot connect to %q", cfg.Broker)
	}
	return &MQTT{
		client: client,
		topic:  topic,
		qos:    cfg.QoS,
		labels: append([]string{}, labels...),
		logger: logger,
	}, nil
}

// snapshotPayload is the published JSON shape. JSON has no NaN, so unknown
// or all-NaN channels are published as null.
type snapshotPayload struct {
	Time   string              `json:"time"`
	Values map[string]*float64 `json:"values"`
}

// WriteRow publishes the row as one retained JSON message.
func (s *MQTT) WriteRow(t time.Time, row []float64) error {
	if len(row) != len(s.labels) {
		return errors.Errorf("row length %d does not match header length %d", len(row), len(s.labels))
	}
	payload := snapshotPayload{
		Time:   t.Format(timestampLayout),
		Values: make(map[string]*float64, len(row)),
	}
	for i, v := range row {
		if math.IsNaN(v) {
			payload.Values[s.labels[i]] = nil
			continue
		}
		v := v
		payload.Values[s.labels[i]] = &v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "mqtt: cannot marshal snapshot")
	}
	token := s.client.Publish(s.topic, s.qos, true, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errors.Errorf("mqtt: publish to %q timed out", s.topic)
	}
	return errors.Wrap(token.Error(), "mqtt: publish failed")
}

// Close disconnects from the broker.
func (s *MQTT) Close() error {
	s.client.Disconnect(mqttDisconnectQuiesceMs)
	return nil
}
