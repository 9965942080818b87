package sink

import (
	"context"

	"github.com/rs/zerolog"

	"enrichment/internal/model"
)

// LogSink logs each record as (trade, productName, brokerName). Records carrying
// an error marker are logged at warn level with the cause.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "sink").Logger()}
}

func (s *LogSink) Write(_ context.Context, rec model.EnrichedRecord) error {
	if !rec.OK() {
		s.logger.Warn().
			Err(rec.Err).
			Int64("tradeId", rec.Trade.TradeID).
			Str("productName", rec.ProductName).
			Str("brokerName", rec.BrokerName).
			Msg(rec.String())
		return nil
	}

	s.logger.Info().
		Int64("tradeId", rec.Trade.TradeID).
		Msg(rec.String())
	return nil
}

func (s *LogSink) Close() error { return nil }
