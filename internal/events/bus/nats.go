package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/logger"
)

// MirrorConfig configures the NATS event mirror.
type MirrorConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
	// SubjectPrefix is prepended to the event type to form the NATS
	// subject, e.g. nexus.events.workflow.started.
	SubjectPrefix string
}

// NATSMirror republishes every event emitted on the in-process bus to a
// NATS subject tree so external observers (dashboards, chat bots) can
// consume them without a hook into the process.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logger.Logger
	prefix string
	subID  string
}

// NewNATSMirror connects to NATS with reconnection logic.
func NewNATSMirror(cfg MirrorConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "nexus.events"
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSMirror{conn: conn, logger: log, prefix: prefix}, nil
}

// Attach subscribes the mirror to every event on the bus.
func (m *NATSMirror) Attach(eventBus EventBus) {
	m.subID = eventBus.SubscribePattern(">", m.forward)
}

// forward republishes a single event to NATS.
func (m *NATSMirror) forward(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := m.prefix + "." + event.Type
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}

	m.logger.Debug("Mirrored event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Close detaches from the bus and drains the NATS connection.
func (m *NATSMirror) Close(eventBus EventBus) {
	if m.subID != "" && eventBus != nil {
		eventBus.Unsubscribe(m.subID)
	}
	if m.conn != nil {
		if err := m.conn.Drain(); err != nil {
			m.logger.Warn("Error draining NATS connection", zap.Error(err))
			m.conn.Close()
		}
		m.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (m *NATSMirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}
