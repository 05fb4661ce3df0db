// Package telemetry publishes connection lifecycle events to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/phuslu/log"
)

type Event struct {
	Kind     string    `json:"kind"`
	ClientID uint64    `json:"client_id"`
	Addr     string    `json:"addr"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

const connectTimeout = 5 * time.Second

type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *log.Logger
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher connects to broker and publishes every event to topic.
func NewMQTTPublisher(broker, clientID, topic string, logger *log.Logger) (*MQTTPublisher, error) {
	logger = silencedLogger(logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().
			Str("broker", broker).
			Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().
			Err(err).
			Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("could not connect to mqtt broker %s: timed out", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("could not connect to mqtt broker %s: %w", broker, err)
	}

	return NewPublisherWithClient(client, topic, logger), nil
}

// NewPublisherWithClient publishes through an already configured client.
func NewPublisherWithClient(client mqtt.Client, topic string, logger *log.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		topic:  topic,
		logger: silencedLogger(logger),
	}
}

// Publish never blocks the caller; failures are logged.
func (p *MQTTPublisher) Publish(ev Event) {
	if !p.client.IsConnected() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Msg("could not marshal telemetry event")
		return
	}

	tok := p.client.Publish(p.topic, 1, false, data)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			p.logger.Warn().
				Err(err).
				Str("topic", p.topic).
				Msg("mqtt publish failed")
		}
	}()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

func silencedLogger(logger *log.Logger) *log.Logger {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return logger
}
