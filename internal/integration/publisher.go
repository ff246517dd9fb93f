// Package integration forwards committed inventory movements to downstream consumers.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

// DefaultSubjectPrefix prefixes every movement subject.
const DefaultSubjectPrefix = "inventory"

type conn interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// Publisher publishes movement events on `<prefix>.movement.<kind>`.
type Publisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS. An empty url yields a nil publisher whose Publish is a no-op.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("lotledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(c conn, prefix string, logger *slog.Logger) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject a movement kind is published on.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + ".movement." + kind
}

// Publish sends evt. The event id doubles as the JetStream dedupe id.
func (p *Publisher) Publish(ctx context.Context, evt inventory.MovementEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode movement event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(evt.Kind))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, evt.ID.String())
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.logger.Debug("movement event published", slog.String("subject", msg.Subject), slog.Int64("ref_id", evt.RefID))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
