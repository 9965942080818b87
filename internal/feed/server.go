package feed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingPeriod   = 15 * time.Second
	maxInboundMessage   = 512 // subscribers only send control frames
)

// ServerConfig holds configuration parameters for the feed Server.
type ServerConfig struct {
	WriteTimeout time.Duration // Deadline for each frame written to a subscriber
	PingPeriod   time.Duration // Interval between keepalive pings
}

// Server is the http.Handler that streams dispatched trade batches to WebSocket
// subscribers.
type Server struct {
	dispatcher *Dispatcher
	cfg        ServerConfig
	upgrader   websocket.Upgrader
}

// NewServer creates a feed server publishing what d dispatches.
func NewServer(d *Dispatcher, cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	return &Server{
		dispatcher: d,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams batches until the subscriber
// disconnects or the dispatcher stops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := s.dispatcher.Subscribe()
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("feed subscription rejected")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	// Ensure cleanup on method exit
	defer func() {
		if err := s.dispatcher.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Str("subscriber", sub.ID()).Msg("failed to unsubscribe")
		}
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("feed upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().
		Str("component", "feedWriter").
		Str("subscriber", sub.ID()).
		Str("remote", r.RemoteAddr).
		Logger()
	logger.Info().Msg("feed subscriber connected")

	// The reader only exists to process control frames and notice the peer leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxInboundMessage)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			logger.Info().Msg("feed subscriber disconnected")
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				logger.Warn().Err(err).Msg("ping failed")
				return
			}
		case batch, ok := <-sub.C():
			if !ok {
				logger.Info().Msg("feed closed, disconnecting subscriber")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(s.cfg.WriteTimeout))
				return
			}

			frame, err := EncodeBatch(batch)
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode batch")
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn().Err(err).Msg("failed to send batch")
				return
			}
		}
	}
}
