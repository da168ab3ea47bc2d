package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/loggingutil"
	"pkt.systems/bridged/internal/svcfields"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "bridged.audit"

// NATSSink publishes every event as JSON on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url. Reconnects are handled by the client library.
func NewNATSSink(url, subject string, logger pslog.Logger) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "bridged.audit.nats")
	conn, err := nats.Connect(url,
		nats.Name("bridged-audit"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(4*1024*1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("bridged.audit.nats.disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bridged.audit.nats.reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: connect nats %s: %w", loggingutil.Mask(url), err)
	}
	logger.Info("bridged.audit.nats.connected", "url", conn.ConnectedUrl(), "subject", subject)
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Publish sends ev to the configured subject.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("audit: publish: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
