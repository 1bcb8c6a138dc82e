package eventstream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Sink publishes a batch of envelopes with attached metadata properties.
// Implementations are best-effort: the caller logs a returned error and
// moves on, never retries.
type Sink interface {
	Publish(ctx context.Context, batch []Envelope, metadata map[string]string) error
	Close()
}

// ConnectionString is a parsed EVENTHUB_CONNECTION_STRING of the
// conventional "Endpoint=...;SharedAccessKeyName=...;SharedAccessKey=...;
// EntityPath=..." form.
type ConnectionString struct {
	Endpoint   string
	KeyName    string
	Key        string
	EntityPath string
}

// ParseConnectionString splits a semicolon-delimited key=value connection
// string. Unknown keys are ignored; values may contain '='.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq < 0 {
			return ConnectionString{}, fmt.Errorf("eventstream: malformed connection string segment %q", part)
		}
		key, value := part[:eq], part[eq+1:]
		switch strings.ToLower(key) {
		case "endpoint":
			cs.Endpoint = value
		case "sharedaccesskeyname":
			cs.KeyName = value
		case "sharedaccesskey":
			cs.Key = value
		case "entitypath":
			cs.EntityPath = value
		}
	}
	if cs.Endpoint == "" {
		return ConnectionString{}, fmt.Errorf("eventstream: connection string has no Endpoint")
	}
	return cs, nil
}

// StreamName resolves the stream/topic name: the connection string's
// embedded EntityPath wins, then the explicit EVENTHUB_NAME.
func (cs ConnectionString) StreamName(explicit string) string {
	if cs.EntityPath != "" {
		return cs.EntityPath
	}
	return explicit
}

// Config selects and configures a sink from the EVENTHUB_* variables.
type Config struct {
	Enabled          bool
	ConnectionString string
	Name             string
}

// New resolves a Sink from cfg. A disabled sink or empty connection string
// yields the no-op sink. The endpoint scheme picks the publisher: nats://
// connects through NATS, anything else (ssl://, tls://, mqtts://) through
// MQTT over TLS.
func New(cfg Config, logger *zap.Logger) (Sink, error) {
	if !cfg.Enabled || cfg.ConnectionString == "" {
		logger.Info("eventstream: sink disabled")
		return NopSink{}, nil
	}

	cs, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	stream := cs.StreamName(cfg.Name)
	if stream == "" {
		return nil, fmt.Errorf("eventstream: no stream name (EntityPath or EVENTHUB_NAME)")
	}

	u, err := url.Parse(cs.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("eventstream: parse endpoint %q: %w", cs.Endpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "nats":
		return newNATSSink(cs, stream, logger)
	default:
		return newMQTTSink(cs, stream, logger)
	}
}

// NopSink drops every batch. Used when EVENTHUB_ENABLED is false.
type NopSink struct{}

func (NopSink) Publish(context.Context, []Envelope, map[string]string) error { return nil }
func (NopSink) Close()                                                       {}
