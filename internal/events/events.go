// Package events publishes settled trades to subscribers outside the
// process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/model"
)

// SubjectPrefix is prepended to the trade side to form the NATS subject,
// e.g. "bluechip.trades.buy".
const SubjectPrefix = "bluechip.trades."

// TradeEvent is the payload published for every settled trade.
type TradeEvent struct {
	TradeID    string          `json:"trade_id"`
	UserID     string          `json:"user_id"`
	PostID     string          `json:"post_id"`
	Side       model.Side      `json:"side"`
	Amount     int             `json:"amount"`
	Total      decimal.Decimal `json:"total"`
	Price      decimal.Decimal `json:"price"`
	SharesSold int             `json:"shares_sold"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Subject returns the subject the event is published on.
func (e TradeEvent) Subject() string {
	return SubjectPrefix + string(e.Side)
}

// Publisher delivers trade events. Publishing happens after commit, so a
// failure never undoes a trade.
type Publisher interface {
	PublishTrade(ctx context.Context, ev TradeEvent) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) PublishTrade(context.Context, TradeEvent) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes trade events as JSON on core NATS.
type NATSPublisher struct {
	nc natsConn
}

// NewNATSPublisher connects to url. The connection reconnects forever once
// established; the initial connect must succeed.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bluechip-exchange"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) PublishTrade(ctx context.Context, ev TradeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode trade %s: %w", ev.TradeID, err)
	}
	if err := p.nc.Publish(ev.Subject(), data); err != nil {
		return fmt.Errorf("events: publish trade %s: %w", ev.TradeID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
