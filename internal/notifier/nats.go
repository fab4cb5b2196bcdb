package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	buildinfo "github.com/good-yellow-bee/threatwatch/pkg/config"
)

// DefaultSubject is the NATS subject threat events are published on.
const DefaultSubject = "threats.created"

// NATSConfig holds NATS publisher configuration.
type NATSConfig struct {
	URL     string
	Subject string
	Timeout time.Duration
}

// NATSNotifier publishes threat events as JSON to a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to the NATS server at config.URL.
func NewNATSNotifier(config NATSConfig) (*NATSNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	conn, err := nats.Connect(config.URL,
		nats.Name(buildinfo.UserAgent()),
		nats.Timeout(config.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSNotifier{conn: conn, subject: config.Subject}, nil
}

// Name returns "nats".
func (n *NATSNotifier) Name() string {
	return "nats"
}

// Send publishes event and waits for the server to acknowledge the flush.
func (n *NATSNotifier) Send(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return n.conn.FlushWithContext(ctx)
}

// Ping reports whether the connection is up and the server responds.
func (n *NATSNotifier) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", n.conn.Status())
	}
	return n.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
