// Package feed publishes generated trades over WebSocket and consumes them on the
// enricher side.
//
// The dispatcher component implements a fan-out distribution system that delivers
// trade batches to every connected feed subscriber while handling slow clients
// gracefully.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"enrichment/internal/model"
)

const (
	defaultMaxSubscribers   = 64
	defaultSubscriberBuffer = 100
)

var (
	ErrDispatcherNotStarted = errors.New("dispatcher not started")
	ErrTooManySubscribers   = errors.New("too many feed subscribers")
)

// Subscriber is one feed connection's view of the trade stream.
//
// Each subscriber owns a buffered channel of batches. When it falls behind, the
// oldest buffered batch is dropped to make room for the newest.
type Subscriber struct {
	id string              // Unique identifier, used in logs
	ch chan []model.Trade // Buffered channel for batch delivery
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the channel batches are delivered on. It is closed on unsubscribe or
// when the dispatcher stops.
func (s *Subscriber) C() <-chan []model.Trade { return s.ch }

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSubscribers   int // Maximum concurrent feed connections
	SubscriberBuffer int // Batches buffered per subscriber before dropping the oldest
}

// Dispatcher fans trade batches out to feed subscribers.
//
// The dispatcher uses the actor model pattern where a single goroutine owns the
// subscribers map. Subscribe and Unsubscribe hand requests to that goroutine over
// channels, so the map needs no mutex.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[string]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	count            atomic.Int32 // subscribers admitted and not yet unsubscribed
	started          atomic.Bool
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = defaultMaxSubscribers
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[string]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
	}
}

// Subscribe registers a new subscriber. Batches dispatched after the dispatch
// goroutine has processed the request are delivered to it.
func (d *Dispatcher) Subscribe() (*Subscriber, error) {
	if !d.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	if n := d.count.Add(1); int(n) > d.cfg.MaxSubscribers {
		d.count.Add(-1)
		return nil, fmt.Errorf("%w: maximum %d", ErrTooManySubscribers, d.cfg.MaxSubscribers)
	}

	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan []model.Trade, d.cfg.SubscriberBuffer),
	}

	select {
	case d.subscriptionCh <- sub:
	default:
		d.count.Add(-1)
		return nil, errors.New("subscription channel is full")
	}
	return sub, nil
}

// Unsubscribe removes sub and closes its channel.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.unsubscriptionCh <- sub:
		return nil
	default:
		return errors.New("unsubscription channel is full")
	}
}

// StartDispatching starts the goroutine that owns the subscribers and forwards
// every batch read from batches. It stops when ctx is cancelled or batches closes,
// closing every subscriber channel.
func (d *Dispatcher) StartDispatching(ctx context.Context, batches <-chan []model.Trade) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			d.started.Store(false)
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[string]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("feed dispatcher stopped")
				return
			case sub := <-d.subscriptionCh:
				d.subscribers[sub.id] = sub
				log.Info().Str("subscriber", sub.id).Msg("feed subscriber added")
			case sub := <-d.unsubscriptionCh:
				d.unsubscribe(sub)
			case batch, ok := <-batches:
				if !ok {
					log.Info().Msg("trade source closed, feed dispatcher stopping")
					return
				}
				d.dispatch(batch)
			}
		}
	}()
	return nil
}

func (d *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := d.subscribers[sub.id]; ok {
		delete(d.subscribers, sub.id)
		close(sub.ch)
		d.count.Add(-1)
		log.Info().Str("subscriber", sub.id).Msg("feed subscriber removed")
	}
}

// dispatch delivers batch to all subscribers. It runs only on the dispatch goroutine.
//
// Behavior for slow clients:
//   - If the subscriber channel is full, the oldest buffered batch is dropped
//   - The new batch is always delivered
func (d *Dispatcher) dispatch(batch []model.Trade) {
	for _, sub := range d.subscribers {
		select {
		case sub.ch <- batch:
		default:
			log.Warn().Str("subscriber", sub.id).Int("batchSize", len(batch)).Msg("subscriber is too slow, dropping oldest buffered batch")
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- batch
		}
	}
}
