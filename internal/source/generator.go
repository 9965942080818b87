// Package source produces the trade stream fed to the enrichment pipeline.
//
// Generator synthesises trades with monotonically increasing ids and product and
// broker ids drawn from the ranges the sample reference files cover.
package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment/internal/model"
)

const (
	ProductIDBase = 31 // Lowest generated product id
	BrokerIDBase  = 21 // Lowest generated broker id
	IDRange       = 4  // Distinct product and broker ids generated

	DefaultBatchSize = 100
	DefaultInterval  = 50 * time.Millisecond
)

// ErrInvalidCount is returned for a non-positive batch size.
var ErrInvalidCount = errors.New("batch count must be positive")

// Generator produces random trades. It is single-writer: a Generator must not be
// used from more than one goroutine at a time.
type Generator struct {
	rnd    *rand.Rand
	nextID int64
}

// NewGenerator creates a generator seeded from the runtime's random source.
func NewGenerator() *Generator {
	return NewSeededGenerator(rand.Uint64())
}

// NewSeededGenerator creates a generator whose output is fully determined by seed.
func NewSeededGenerator(seed uint64) *Generator {
	return &Generator{
		rnd:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		nextID: 1,
	}
}

// ProduceBatch returns count new trades.
func (g *Generator) ProduceBatch(count int) ([]model.Trade, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}

	batch := make([]model.Trade, count)
	for i := range batch {
		batch[i] = model.Trade{
			TradeID:   g.nextID,
			ProductID: ProductIDBase + g.rnd.Int32N(IDRange),
			BrokerID:  BrokerIDBase + g.rnd.Int32N(IDRange),
		}
		g.nextID++
	}
	return batch, nil
}

// Batches emits one batch of batchSize trades per interval until ctx is cancelled,
// then closes the returned channel. The generator must not be used elsewhere while
// the batches are being produced.
func (g *Generator) Batches(ctx context.Context, batchSize int, interval time.Duration) (<-chan []model.Trade, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, batchSize)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}

	out := make(chan []model.Trade, 1)
	go func() {
		defer close(out)
		defer func() {
			log.Info().Int64("lastTradeId", g.nextID-1).Msg("trade generator stopped")
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			batch, _ := g.ProduceBatch(batchSize)
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Stream is Batches flattened into single trades.
func (g *Generator) Stream(ctx context.Context, batchSize int, interval time.Duration) (<-chan model.Trade, error) {
	batches, err := g.Batches(ctx, batchSize, interval)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Trade, batchSize)
	go func() {
		defer close(out)
		for batch := range batches {
			for _, t := range batch {
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
