package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the JetStream history sink.
type NATSConfig struct {
	// URL is the server to connect to; empty means nats.DefaultURL.
	URL string
	// Stream is the JetStream stream events land in.
	Stream string
	// MaxAge bounds how long the stream keeps events; zero keeps them until
	// other stream limits apply.
	MaxAge time.Duration
	// Conn, when set, is an existing connection the publisher will use but
	// never close.
	Conn *nats.Conn
}

// jsContext is the slice of nats.JetStreamContext the publisher uses,
// narrowed so tests can stub it without a server.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher writes saga events to a JetStream stream so history
// consumers can replay them. The stream is created on first use when absent.
type NATSPublisher struct {
	cfg      NATSConfig
	conn     *nats.Conn
	js       jsContext
	ownsConn bool
}

var _ Transport = (*NATSPublisher)(nil)

// NewNATSPublisher connects (or adopts cfg.Conn) and ensures the stream
// exists.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.Stream == "" {
		cfg.Stream = "CLAWBACK_SAGA"
	}
	p := &NATSPublisher{cfg: cfg}
	if err := p.connect(); err != nil {
		return nil, err
	}
	if err := p.ensureStream(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) connect() error {
	if p.cfg.Conn != nil {
		p.conn = p.cfg.Conn
	} else {
		url := p.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("events: connect nats: %w", err)
		}
		p.conn = conn
		p.ownsConn = true
	}

	js, err := p.conn.JetStream()
	if err != nil {
		return fmt.Errorf("events: jetstream context: %w", err)
	}
	p.js = js
	return nil
}

func (p *NATSPublisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("events: stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{AllSubject()},
		Retention: nats.LimitsPolicy,
		MaxAge:    p.cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("events: add stream: %w", err)
	}
	return nil
}

// Publish implements Transport.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if _, err := p.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("events: nats publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *NATSPublisher) Healthy() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close closes the connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	if p.ownsConn && p.conn != nil {
		p.conn.Close()
	}
	return nil
}
