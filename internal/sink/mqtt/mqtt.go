// Package mqtt publishes rows to an MQTT broker, one JSON message per row on
// <prefix>/<address>/<record index>, plus a summary on <prefix>/<address>.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/sink"
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

const (
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

func init() {
	sink.Register("mqtt", func(_ context.Context, cfg config.OutputsConfig) (sink.Sink, error) {
		return Connect(cfg.MQTT)
	})
}

// publisher is the part of pahomqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes batches.
type Sink struct {
	client publisher
	cfg    config.MQTTConfig
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWill(statusTopic(cfg), `{"status":"offline"}`, 1, true)
	return opts
}

// Connect dials the broker and waits for the connection.
func Connect(cfg config.MQTTConfig) (*Sink, error) {
	client := pahomqtt.NewClient(buildClientOptions(cfg))
	token := client.Connect()
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s := newSink(client, cfg)
	if err := s.publish(statusTopic(cfg), true, []byte(`{"status":"online"}`)); err != nil {
		client.Disconnect(disconnectQuiesce)
		return nil, err
	}
	return s, nil
}

func newSink(client publisher, cfg config.MQTTConfig) *Sink {
	return &Sink{client: client, cfg: cfg}
}

func statusTopic(cfg config.MQTTConfig) string { return topicPrefix(cfg) + "/status" }

func topicPrefix(cfg config.MQTTConfig) string {
	p := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if p == "" {
		return "gombus"
	}
	return p
}

type summary struct {
	ReadID       string `json:"read_id"`
	Address      string `json:"address"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Medium       byte   `json:"medium"`
	Complete     bool   `json:"complete"`
	Records      int    `json:"records"`
}

func (s *Sink) Name() string { return "mqtt" }

func (s *Sink) Write(ctx context.Context, b sink.Batch) error {
	base := topicPrefix(s.cfg) + "/" + b.Address
	for _, row := range b.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := s.publish(base+"/"+strconv.Itoa(row.RecordIndex), s.cfg.Retain, payload); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(summary{
		ReadID:       b.ReadID,
		Address:      b.Address,
		Manufacturer: b.Manufacturer,
		Medium:       b.Medium,
		Complete:     b.Complete,
		Records:      len(b.Rows),
	})
	if err != nil {
		return err
	}
	return s.publish(base, s.cfg.Retain, payload)
}

func (s *Sink) publish(topic string, retain bool, payload []byte) error {
	token := s.client.Publish(topic, byte(s.cfg.QoS), retain, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	_ = s.publish(statusTopic(s.cfg), true, []byte(`{"status":"offline"}`))
	s.client.Disconnect(disconnectQuiesce)
	s.client = nil
	return nil
}
