// Package websocket provides the WebSocket client used to consume a remote trade feed.
//
// A Client owns one connection. Every text frame goes through the configured Decoder
// and the resulting trades are delivered in frame order on Trades. Trades is closed
// when the connection ends; Err then reports why.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"enrichment/internal/model"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultTradeBuffer      = 1000
	maxFrameSize            = 1 << 20
	closeWait               = 5 * time.Second
)

var (
	// ErrClosed is reported by Err after Close or context cancellation.
	ErrClosed = errors.New("feed client closed")

	errNoEndpoint = errors.New("feed endpoint is required")
	errNoDecoder  = errors.New("frame decoder is required")
)

// Decoder turns one text frame into the trades it carries. A frame that fails to
// decode is logged and skipped; the connection stays up.
type Decoder func(frame []byte) ([]model.Trade, error)

// Config holds the client settings. Endpoint and Decode are required.
type Config struct {
	Endpoint string
	Decode   Decoder

	TLSInsecureSkip bool
	PingPeriod      time.Duration // keepalive ping interval; the peer has two periods to answer
	WriteTimeout    time.Duration
	TradeBuffer     int // capacity of the Trades channel

	// Greeting frames are written once, right after the handshake.
	Greeting [][]byte
}

// Client is one live feed connection.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	logger zerolog.Logger

	trades chan model.Trade
	done   chan struct{}

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	errMu sync.Mutex
	err   error

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial connects to cfg.Endpoint and starts reading. It fails if the handshake or
// a greeting write fails.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errNoEndpoint
	}
	if cfg.Decode == nil {
		return nil, errNoDecoder
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.TradeBuffer <= 0 {
		cfg.TradeBuffer = defaultTradeBuffer
	}

	logger := log.With().Str("component", "feedClient").Str("endpoint", cfg.Endpoint).Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.Endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", cfg.Endpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		trades: make(chan model.Trade, cfg.TradeBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * cfg.PingPeriod))
	})

	for i, frame := range cfg.Greeting {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("write greeting %d: %w", i, err)
		}
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		// cancellation unblocks the read loop by closing the socket
		select {
		case <-c.ctx.Done():
			c.closeConn()
		case <-c.done:
		}
	}()

	logger.Info().Msg("feed connected")
	return c, nil
}

// Trades delivers decoded trades. It is closed when the connection ends.
func (c *Client) Trades() <-chan model.Trade {
	return c.trades
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is up.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		close(c.trades)
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				cause = ErrClosed
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Info().Err(err).Msg("feed closed by peer")
				cause = err
			default:
				c.logger.Warn().Err(err).Msg("feed read failed")
				cause = err
			}
			return
		}

		for _, t := range c.decode(frame) {
			select {
			case c.trades <- t:
			case <-c.ctx.Done():
				cause = ErrClosed
				return
			}
		}
	}
}

// decode runs the Decoder, containing panics to the offending frame.
func (c *Client) decode(frame []byte) (trades []model.Trade) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Any("panic", r).Int("bytes", len(frame)).Msg("frame decoder panicked")
			trades = nil
		}
	}()

	trades, err := c.cfg.Decode(frame)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("skipping undecodable frame")
		return nil
	}
	return trades
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Close ends the connection and waits briefly for the client's goroutines. It is
// safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		c.closeConn()

		waited := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(closeWait):
			c.logger.Warn().Msg("feed client goroutines did not stop in time")
		}
	})
}

// closeConn sends a close frame and closes the socket, which unblocks the read loop.
func (c *Client) closeConn() {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("close frame not sent")
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("feed socket close")
	}
}
