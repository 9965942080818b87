// Package pipeline enriches a stream of trades with product and broker names.
//
// The pipeline runs two ordered asynchronous stages. The first resolves the product
// name and yields model.ProductEnriched; the second resolves the broker name and
// yields model.EnrichedRecord. Both stages keep their own bounded window of
// in-flight lookups and emit results in ingestion order.
//
// Lookup failures never stop the stream: the record is emitted in its place with
// the error marker set. A trade whose product lookup failed skips the broker lookup.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"enrichment/internal/future"
	"enrichment/internal/model"
)

const defaultMaxInFlight = 256

// Lookup resolves a reference id to its name asynchronously.
// lookup.ProductClient and lookup.BrokerStreamClient both implement it.
type Lookup interface {
	Lookup(ctx context.Context, id int32) *future.Future[string]
}

// Config holds configuration parameters for the Pipeline.
type Config struct {
	MaxInFlight int // Outstanding lookups per stage
}

// Pipeline is the two-stage enrichment pipeline.
type Pipeline struct {
	products Lookup
	brokers  Lookup
	cfg      Config
}

// New creates a pipeline resolving products and brokers through the given lookups.
func New(products, brokers Lookup, cfg Config) *Pipeline {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	return &Pipeline{products: products, brokers: brokers, cfg: cfg}
}

// Run starts enriching trades and returns the ordered record stream. The stream
// closes after trades closes and every in-flight record has been emitted, or when
// ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, trades <-chan model.Trade) <-chan model.EnrichedRecord {
	log.Info().Int("maxInFlight", p.cfg.MaxInFlight).Msg("enrichment pipeline started")

	withProduct := MapOrdered(ctx, trades, p.cfg.MaxInFlight, p.enrichProduct,
		func(t model.Trade, err error) model.ProductEnriched {
			return model.ProductEnriched{Trade: t, Err: fmt.Errorf("product %d: %w", t.ProductID, err)}
		})

	return MapOrdered(ctx, withProduct, p.cfg.MaxInFlight, p.enrichBroker,
		func(pe model.ProductEnriched, err error) model.EnrichedRecord {
			return pe.Failed(fmt.Errorf("broker %d: %w", pe.Trade.BrokerID, err))
		})
}

func (p *Pipeline) enrichProduct(ctx context.Context, t model.Trade) *future.Future[model.ProductEnriched] {
	return future.Then(p.products.Lookup(ctx, t.ProductID), func(name string) (model.ProductEnriched, error) {
		return model.ProductEnriched{Trade: t, ProductName: name}, nil
	})
}

func (p *Pipeline) enrichBroker(ctx context.Context, pe model.ProductEnriched) *future.Future[model.EnrichedRecord] {
	if pe.Err != nil {
		return future.Completed(pe.Failed(pe.Err))
	}
	return future.Then(p.brokers.Lookup(ctx, pe.Trade.BrokerID), func(name string) (model.EnrichedRecord, error) {
		return pe.WithBroker(name), nil
	})
}
