// Package sink delivers enriched records to their destination.
//
// LogSink prints each record through the structured logger; KafkaSink publishes
// each record as a JSON message on a single stream key. Drain connects a
// pipeline's output to a Sink.
package sink

import (
	"context"

	"github.com/rs/zerolog/log"

	"enrichment/internal/model"
)

// MaxBatch caps the records Drain hands to a BatchSink in one call.
const MaxBatch = 100

// Sink accepts enriched records. Write is called from a single goroutine.
type Sink interface {
	Write(ctx context.Context, rec model.EnrichedRecord) error
	Close() error
}

// BatchSink is a Sink that can write several records in one call. WriteBatch
// returns one error per record, in order.
type BatchSink interface {
	Sink
	WriteBatch(ctx context.Context, recs []model.EnrichedRecord) []error
}

// RecordObserver is notified of every record handed to a sink.
type RecordObserver interface {
	ObserveRecord(rec model.EnrichedRecord, writeErr error)
}

// Drain writes every record from records to s until records closes or ctx is done,
// and returns the number of records written successfully. A failed write is logged
// and the record is dropped; delivery is at most once.
//
// When s is a BatchSink, records already waiting on the channel are written
// together, up to MaxBatch. Drain never waits to fill a batch.
func Drain(ctx context.Context, records <-chan model.EnrichedRecord, s Sink, observer RecordObserver) int {
	batcher, batching := s.(BatchSink)
	batch := make([]model.EnrichedRecord, 0, MaxBatch)

	written := 0
	settle := func(rec model.EnrichedRecord, err error) {
		if err != nil {
			log.Error().Err(err).Int64("tradeId", rec.Trade.TradeID).Msg("failed to write record to sink")
		} else {
			written++
		}
		if observer != nil {
			observer.ObserveRecord(rec, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return written
		case rec, ok := <-records:
			if !ok {
				return written
			}
			if !batching {
				settle(rec, s.Write(ctx, rec))
				continue
			}

			batch = append(batch[:0], rec)
			open := collect(records, &batch)
			for i, err := range batcher.WriteBatch(ctx, batch) {
				settle(batch[i], err)
			}
			if !open {
				return written
			}
		}
	}
}

// collect appends records that are ready without blocking, and reports whether
// records is still open.
func collect(records <-chan model.EnrichedRecord, batch *[]model.EnrichedRecord) bool {
	for len(*batch) < MaxBatch {
		select {
		case rec, ok := <-records:
			if !ok {
				return false
			}
			*batch = append(*batch, rec)
		default:
			return true
		}
	}
	return true
}
