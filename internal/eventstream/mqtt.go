package eventstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// mqttSink publishes envelope batches to an MQTT broker over TLS. MQTT v3
// has no per-message user properties, so the metadata rides in the topic:
// <stream>/<machine_id>/<measurement_type>.
type mqttSink struct {
	client mqtt.Client
	stream string
	logger *zap.Logger

	published uint64 // atomic
	pubErrors uint64 // atomic
}

const (
	mqttConnectTimeout = 10 * time.Second
	mqttWriteTimeout   = 5 * time.Second
)

func newMQTTSink(cs ConnectionString, stream string, logger *zap.Logger) (*mqttSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cs.Endpoint)
	opts.SetClientID("okuma-bridge-" + stream)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetWriteTimeout(mqttWriteTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	if cs.KeyName != "" {
		opts.SetUsername(cs.KeyName)
		opts.SetPassword(cs.Key)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("eventstream: mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("eventstream: mqtt connected", zap.String("broker", cs.Endpoint))
	})

	s := &mqttSink{client: mqtt.NewClient(opts), stream: stream, logger: logger}

	token := s.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("eventstream: mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("eventstream: mqtt connect: %w", err)
	}
	return s, nil
}

func (s *mqttSink) Publish(_ context.Context, batch []Envelope, metadata map[string]string) error {
	if !s.client.IsConnected() {
		atomic.AddUint64(&s.pubErrors, 1)
		return fmt.Errorf("eventstream: mqtt not connected")
	}

	topic := s.stream + "/" + metadata["machine_id"] + "/" + metadata["measurement_type"]
	for _, env := range batch {
		payload, err := env.Encode()
		if err != nil {
			atomic.AddUint64(&s.pubErrors, 1)
			return fmt.Errorf("eventstream: encode envelope: %w", err)
		}
		token := s.client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(mqttWriteTimeout) {
			atomic.AddUint64(&s.pubErrors, 1)
			return fmt.Errorf("eventstream: mqtt publish timeout")
		}
		if err := token.Error(); err != nil {
			atomic.AddUint64(&s.pubErrors, 1)
			return fmt.Errorf("eventstream: mqtt publish: %w", err)
		}
		atomic.AddUint64(&s.published, 1)
	}
	return nil
}

func (s *mqttSink) Close() {
	s.client.Disconnect(250)
}
