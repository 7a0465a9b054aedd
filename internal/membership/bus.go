// Package membership keeps the hashring in sync with the live peer
// set. Each node heartbeats its identity and ring positions on a NATS
// presence subject; every node watches the subject, registering peers
// on the ring and reaping those that stop announcing.
package membership

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Presence subjects.
const (
	SubjectAnnounce = "chatsvc.presence.announce"
	SubjectLeave    = "chatsvc.presence.leave"
)

// Announcement is the presence payload: a node's identity plus the
// ring positions it claims.
type Announcement struct {
	ServiceKey  string   `json:"serviceKey"`
	ServiceName string   `json:"serviceName"`
	Hostname    string   `json:"hostname"`
	FQDN        string   `json:"fqdn"`
	Address     string   `json:"address"`
	Port        int      `json:"port"`
	Positions   []string `json:"positions"`
}

// Bus is the presence transport. The NATS client implements it in
// production; tests use an in-process fake.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn func(data []byte)) (unsubscribe func(), err error)
}

// NATSBus adapts a NATS connection to the Bus contract with a
// reconnect-hardened configuration.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS dials url, retrying forever on drops.
func ConnectNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	log := logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(subject string, fn func([]byte)) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("unsubscribe failed")
		}
	}, nil
}

// Connected reports NATS connectivity for health checks.
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close tears down the connection.
func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
