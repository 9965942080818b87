package pipeline

import (
	"context"

	"enrichment/internal/future"
)

type inflightItem[In, Out any] struct {
	in     In
	result *future.Future[Out]
}

// MapOrdered applies the asynchronous fn to every value read from in and emits the
// results in input order.
//
// At most maxInFlight calls are outstanding at once: the issuer takes a slot before
// calling fn, and the emitter frees it once the result has been forwarded. Results are
// queued in submission order and awaited head-first, so a slow head holds back faster
// successors without ever reordering them. A failed future is turned into an output
// value by onError, so every input yields exactly one output.
//
// The returned channel closes once in is closed and all results are emitted, or when
// ctx is done.
func MapOrdered[In, Out any](
	ctx context.Context,
	in <-chan In,
	maxInFlight int,
	fn func(context.Context, In) *future.Future[Out],
	onError func(In, error) Out,
) <-chan Out {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	out := make(chan Out)
	slots := make(chan struct{}, maxInFlight)
	inflight := make(chan inflightItem[In, Out], maxInFlight)

	// Issuer
	go func() {
		defer close(inflight)
		for {
			select {
			case <-ctx.Done():
				return
			case slots <- struct{}{}:
			}

			var v In
			var ok bool
			select {
			case <-ctx.Done():
				return
			case v, ok = <-in:
				if !ok {
					return
				}
			}

			// slots bounds inflight, so this send never blocks
			inflight <- inflightItem[In, Out]{in: v, result: fn(ctx, v)}
		}
	}()

	// Emitter
	go func() {
		defer close(out)
		for item := range inflight {
			v, err := item.result.Await(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				v = onError(item.in, err)
			}

			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
			<-slots
		}
	}()

	return out
}
