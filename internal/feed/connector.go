package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"enrichment/internal/model"
	"enrichment/internal/websocket"
)

var (
	// ErrInvalidConfig wraps connector configuration errors.
	ErrInvalidConfig = errors.New("invalid feed connector config")

	// ErrUnknownMessageType is returned for a frame of a type the connector does not handle.
	ErrUnknownMessageType = errors.New("unknown feed message type")
)

// ConnectorConfig configures the enricher side of the feed.
type ConnectorConfig struct {
	URL string `validate:"required,url"` // Feed endpoint, e.g. ws://localhost:8090/trades

	// Reconnect redials with exponential backoff after the feed drops.
	Reconnect                bool
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMaxElapsed      time.Duration // zero retries until the context ends

	TradeBuffer int `validate:"gte=0"`
}

// Connector consumes the remote trade feed.
//
// Every frame is decoded and validated before its trades are forwarded; frames that
// fail either step are logged and skipped.
type Connector struct {
	cfg      ConnectorConfig
	validate *validator.Validate
}

// NewConnector validates cfg and creates a connector.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ReconnectInitialInterval <= 0 {
		cfg.ReconnectInitialInterval = 100 * time.Millisecond
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 5 * time.Second
	}
	return &Connector{cfg: cfg, validate: v}, nil
}

// Subscribe connects to the feed and returns the trade stream.
//
// The initial connection must succeed. Later disconnects are retried when Reconnect is
// set; the channel closes when ctx is cancelled or the feed cannot be recovered.
func (c *Connector) Subscribe(ctx context.Context) (<-chan model.Trade, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Trade, c.cfg.TradeBuffer)
	go func() {
		defer close(out)
		for {
			dropped := c.forward(ctx, client, out)
			client.Close()
			if !dropped {
				return
			}

			if !c.cfg.Reconnect {
				log.Warn().Str("url", c.cfg.URL).Msg("trade feed disconnected")
				return
			}

			log.Warn().Str("url", c.cfg.URL).Msg("trade feed disconnected, reconnecting")
			client, err = c.reconnect(ctx)
			if err != nil {
				log.Error().Err(err).Str("url", c.cfg.URL).Msg("giving up on trade feed")
				return
			}
		}
	}()
	return out, nil
}

func (c *Connector) connect(ctx context.Context) (*websocket.Client, error) {
	return websocket.Dial(ctx, websocket.Config{
		Endpoint:    c.cfg.URL,
		Decode:      c.decodeFrame,
		TradeBuffer: c.cfg.TradeBuffer,
	})
}

func (c *Connector) reconnect(ctx context.Context) (*websocket.Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitialInterval
	b.MaxInterval = c.cfg.ReconnectMaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Dur("retryIn", next).Msg("trade feed redial failed")
		}),
	}
	if c.cfg.ReconnectMaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.cfg.ReconnectMaxElapsed))
	}

	return backoff.Retry(ctx, func() (*websocket.Client, error) {
		return c.connect(ctx)
	}, opts...)
}

// forward copies trades from client to out. It reports true when the feed dropped
// and false when ctx ended.
func (c *Connector) forward(ctx context.Context, client *websocket.Client, out chan<- model.Trade) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case t, ok := <-client.Trades():
			if !ok {
				return ctx.Err() == nil
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// decodeFrame decodes and validates one feed frame. A frame is accepted or rejected whole.
func (c *Connector) decodeFrame(raw []byte) ([]model.Trade, error) {
	// decode the envelope
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid feed frame: %w", err)
	}
	if err := c.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid feed frame: %w", err)
	}

	var trades []model.Trade
	switch m.Type {
	case MessageTypeTrade:
		var t model.Trade
		if err := json.Unmarshal(m.Data, &t); err != nil {
			return nil, fmt.Errorf("invalid trade payload: %w", err)
		}
		trades = []model.Trade{t}
	case MessageTypeBatch:
		if err := json.Unmarshal(m.Data, &trades); err != nil {
			return nil, fmt.Errorf("invalid batch payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}

	for i := range trades {
		if err := c.validate.Struct(&trades[i]); err != nil {
			log.Warn().Err(err).Stringer("trade", trades[i]).Msg("trade validation failed")
			return nil, fmt.Errorf("invalid trade at index %d: %w", i, err)
		}
	}

	return trades, nil
}
