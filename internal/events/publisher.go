package events

import (
	"encoding/json"
	"time"

	"escrowd/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	SubjectEscrowStatusChanged = "escrowd.escrow.status.changed"
	SubjectPayoutStatusChanged = "escrowd.payout.status.changed"
)

// EscrowStatusChanged is published after the database mirror advances.
type EscrowStatusChanged struct {
	OrderID    string    `json:"order_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	TxHash     string    `json:"tx_hash,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PayoutStatusChanged is published after a payout status transition.
type PayoutStatusChanged struct {
	PayoutID   string    `json:"payout_id"`
	UserID     string    `json:"user_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher fans domain events out over NATS. The connection is optional: a
// nil connection makes every publish a silent no-op so the core pipeline
// never depends on the broker being up.
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// NewPublisher connects to NATS when a URL is configured. Connection failure
// is logged and tolerated.
func NewPublisher(cfg config.NATSConfig, logger *logrus.Logger) *Publisher {
	p := &Publisher{logger: logger}
	if cfg.URL == "" {
		logger.Info("NATS disabled, domain events will not be published")
		return p
	}

	opts := []nats.Option{
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.WithError(err).Warn("NATS connect failed, continuing without events")
		return p
	}
	p.conn = conn
	logger.WithField("url", cfg.URL).Info("NATS connected")
	return p
}

// EscrowStatus publishes an escrow mirror transition.
func (p *Publisher) EscrowStatus(event EscrowStatusChanged) {
	event.OccurredAt = time.Now().UTC()
	p.publish(SubjectEscrowStatusChanged, event)
}

// PayoutStatus publishes a payout transition.
func (p *Publisher) PayoutStatus(event PayoutStatusChanged) {
	event.OccurredAt = time.Now().UTC()
	p.publish(SubjectPayoutStatusChanged, event)
}

func (p *Publisher) publish(subject string, event interface{}) {
	if p.conn == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).WithField("subject", subject).Error("encode event")
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.WithError(err).WithField("subject", subject).Warn("publish event")
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
