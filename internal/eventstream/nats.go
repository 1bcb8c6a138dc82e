package eventstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// natsSink publishes envelope batches as NATS messages. Metadata properties
// are attached as message headers.
type natsSink struct {
	conn   *nats.Conn
	stream string
	logger *zap.Logger

	published uint64 // atomic
	pubErrors uint64 // atomic
}

func newNATSSink(cs ConnectionString, stream string, logger *zap.Logger) (*natsSink, error) {
	opts := []nats.Option{
		nats.Name("okuma-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("eventstream: nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("eventstream: nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cs.KeyName != "" {
		opts = append(opts, nats.UserInfo(cs.KeyName, cs.Key))
	}

	conn, err := nats.Connect(cs.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventstream: nats connect %s: %w", cs.Endpoint, err)
	}
	logger.Info("eventstream: nats connected", zap.String("url", cs.Endpoint))
	return &natsSink{conn: conn, stream: stream, logger: logger}, nil
}

func (s *natsSink) Publish(_ context.Context, batch []Envelope, metadata map[string]string) error {
	subject := s.stream + "." + metadata["machine_id"] + "." + metadata["measurement_type"]

	header := make(nats.Header, len(metadata))
	for k, v := range metadata {
		header.Set(k, v)
	}

	for _, env := range batch {
		payload, err := env.Encode()
		if err != nil {
			atomic.AddUint64(&s.pubErrors, 1)
			return fmt.Errorf("eventstream: encode envelope: %w", err)
		}
		msg := &nats.Msg{Subject: subject, Header: header, Data: payload}
		if err := s.conn.PublishMsg(msg); err != nil {
			atomic.AddUint64(&s.pubErrors, 1)
			return fmt.Errorf("eventstream: nats publish: %w", err)
		}
		atomic.AddUint64(&s.published, 1)
	}
	return nil
}

func (s *natsSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.logger.Warn("eventstream: nats drain", zap.Error(err))
	}
}
