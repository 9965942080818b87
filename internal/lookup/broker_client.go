package lookup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	pb "enrichment/api/lookup"
	"enrichment/internal/future"
)

// State is the lifecycle state of the broker stream.
//
//	Closed -> Connecting -> Open -> (Closing | Faulted)
//	Faulted -> Connecting   (reconnect)
//	Closing -> Closed       (terminal)
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	defaultReconnectInitialInterval = 100 * time.Millisecond
	defaultReconnectMaxInterval     = 5 * time.Second
)

// BrokerClientConfig tunes the streaming broker client.
type BrokerClientConfig struct {
	// QueueWhileConnecting holds requests submitted in Connecting until the
	// stream opens. When false they fail at once with *NotConnectedError.
	QueueWhileConnecting bool

	// RequestTimeout fails a request whose reply has not arrived in time.
	// Zero disables the timeout.
	RequestTimeout time.Duration

	// Reconnect re-establishes the stream in the background after a fault.
	Reconnect bool

	// ReconnectInitialInterval and ReconnectMaxInterval shape the exponential
	// backoff between connection attempts.
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration

	// ReconnectMaxElapsed gives up connecting after this long. Zero retries
	// until the context ends.
	ReconnectMaxElapsed time.Duration
}

func (c *BrokerClientConfig) applyDefaults() {
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = defaultReconnectInitialInterval
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = defaultReconnectMaxInterval
	}
}

// pendingEntry is a request awaiting its reply.
type pendingEntry struct {
	id      int32
	future  *future.Future[string]
	started time.Time
	stop    func() // releases the timeout timer and ctx watcher
}

// queuedRequest is a request held while the stream connects.
type queuedRequest struct {
	key     uint64
	ctx     context.Context
	id      int32
	future  *future.Future[string]
	started time.Time
	stop    func() // releases the timeout timer and ctx watcher
}

// session is one established bidi stream.
type session struct {
	id     string
	stream pb.BrokerService_BrokerInfoClient
	cancel context.CancelFunc
	sendMu sync.Mutex // grpc streams do not allow concurrent SendMsg
}

// BrokerStreamClient multiplexes broker lookups over one bidirectional stream.
//
// Each request is tagged with a correlation key and registered in the pending map
// before it is written, so a reply can never overtake its own entry. The receive
// loop completes and removes the entry matching the echoed key; replies may arrive
// in any order. When the stream ends every pending request fails with
// *TransportError and the map is cleared.
type BrokerStreamClient struct {
	client   pb.BrokerServiceClient
	cfg      BrokerClientConfig
	observer Observer

	// ctx bounds every stream the client opens; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	session      *session
	pending      map[uint64]*pendingEntry
	queued       []*queuedRequest
	nextKey      uint64
	stateChanged chan struct{} // closed and replaced on every transition

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBrokerStreamClient creates a client in the Closed state. Call Connect to open the stream.
func NewBrokerStreamClient(conn grpc.ClientConnInterface, cfg BrokerClientConfig, opts ...Option) *BrokerStreamClient {
	cfg.applyDefaults()
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &BrokerStreamClient{
		client:       pb.NewBrokerServiceClient(conn),
		cfg:          cfg,
		observer:     o.observer,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateClosed,
		pending:      make(map[uint64]*pendingEntry),
		stateChanged: make(chan struct{}),
	}
}

// State returns the current stream state.
func (c *BrokerStreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of requests awaiting a reply.
func (c *BrokerStreamClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// QueuedCount returns the number of requests held while the stream connects.
func (c *BrokerStreamClient) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

// WaitForState blocks until the client reaches want or ctx is done.
func (c *BrokerStreamClient) WaitForState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.stateChanged
		c.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for state %s (current %s): %w", want, state, ctx.Err())
		}
	}
}

// setStateLocked must be called with mu held.
func (c *BrokerStreamClient) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("broker stream state change")
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

// Connect opens the stream, retrying with exponential backoff until it succeeds,
// ctx is done or ReconnectMaxElapsed passes.
func (c *BrokerStreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed && c.state != StateFaulted {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot connect broker stream in state %s", state)
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return &TransportError{Op: "connect", Err: ErrClientClosed}
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitialInterval
	b.MaxInterval = c.cfg.ReconnectMaxInterval

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retryIn", next).Msg("broker stream connect failed, retrying")
		}),
	}
	if c.cfg.ReconnectMaxElapsed > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(c.cfg.ReconnectMaxElapsed))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.openSession(); err != nil {
			if errors.Is(err, ErrClientClosed) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, retryOpts...)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.setStateLocked(StateFaulted)
	}
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	terr := &TransportError{Op: "connect", Err: err}
	for _, q := range queued {
		c.failQueued(q, terr)
	}
	return terr
}

// openSession establishes one stream and moves the client to Open.
func (c *BrokerStreamClient) openSession() error {
	sctx, cancel := context.WithCancel(c.ctx)
	stream, err := c.client.BrokerInfo(sctx)
	if err != nil {
		cancel()
		if c.ctx.Err() != nil {
			return ErrClientClosed
		}
		return err
	}

	s := &session{id: uuid.NewString(), stream: stream, cancel: cancel}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		cancel()
		return ErrClientClosed
	}
	c.session = s
	queued := c.queued
	c.queued = nil
	type flush struct {
		key uint64
		id  int32
	}
	flushes := make([]flush, 0, len(queued))
	for _, q := range queued {
		q.stop()
		if q.future.IsDone() {
			continue
		}
		flushes = append(flushes, flush{key: c.registerLocked(q.ctx, q.id, q.future), id: q.id})
	}
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	log.Info().Str("session", s.id).Int("flushed", len(flushes)).Msg("broker stream open")
	c.observer.ObserveReconnect()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recvLoop(s)
	}()

	for _, f := range flushes {
		c.send(s, f.key, f.id)
	}
	return nil
}

// Lookup resolves brokerID over the shared stream.
//
// The future fails with *NotFoundError for an unknown id, *TransportError when the
// stream breaks, times out or the client closes, and *NotConnectedError when the
// stream is not Open (and the request cannot be queued).
func (c *BrokerStreamClient) Lookup(ctx context.Context, brokerID int32) *future.Future[string] {
	f := future.New[string]()
	if err := ctx.Err(); err != nil {
		f.Fail(err)
		return f
	}

	c.mu.Lock()
	switch {
	case c.state == StateOpen:
		s := c.session
		key := c.registerLocked(ctx, brokerID, f)
		c.mu.Unlock()
		c.send(s, key, brokerID)
	case c.state == StateConnecting && c.cfg.QueueWhileConnecting:
		c.queueLocked(ctx, brokerID, f)
		c.mu.Unlock()
	default:
		state := c.state
		c.mu.Unlock()
		f.Fail(&NotConnectedError{State: state})
	}
	return f
}

// registerLocked inserts a pending entry and returns its correlation key.
// Must be called with mu held, before the request is written.
func (c *BrokerStreamClient) registerLocked(ctx context.Context, brokerID int32, f *future.Future[string]) uint64 {
	c.nextKey++
	key := c.nextKey

	entry := &pendingEntry{id: brokerID, future: f, started: time.Now()}

	var timer *time.Timer
	if c.cfg.RequestTimeout > 0 {
		timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
			c.abandon(key, &TransportError{Op: "broker", Err: ErrRequestTimeout})
		})
	}
	stopCtx := context.AfterFunc(ctx, func() {
		c.abandon(key, ctx.Err())
	})
	entry.stop = func() {
		if timer != nil {
			timer.Stop()
		}
		stopCtx()
	}

	c.pending[key] = entry
	c.observer.ObservePending(len(c.pending))
	return key
}

// queueLocked holds a request until the stream opens. The request timeout and
// ctx cancellation apply while it waits. Must be called with mu held.
func (c *BrokerStreamClient) queueLocked(ctx context.Context, brokerID int32, f *future.Future[string]) {
	c.nextKey++
	key := c.nextKey
	q := &queuedRequest{key: key, ctx: ctx, id: brokerID, future: f, started: time.Now()}

	var timer *time.Timer
	if c.cfg.RequestTimeout > 0 {
		timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
			c.dequeue(key, &TransportError{Op: "broker", Err: ErrRequestTimeout})
		})
	}
	stopCtx := context.AfterFunc(ctx, func() {
		c.dequeue(key, ctx.Err())
	})
	q.stop = func() {
		if timer != nil {
			timer.Stop()
		}
		stopCtx()
	}

	c.queued = append(c.queued, q)
}

// dequeue fails the queued request for key if it has not been flushed yet.
func (c *BrokerStreamClient) dequeue(key uint64, err error) {
	c.mu.Lock()
	i := slices.IndexFunc(c.queued, func(q *queuedRequest) bool { return q.key == key })
	if i < 0 {
		c.mu.Unlock()
		return
	}
	q := c.queued[i]
	c.queued = slices.Delete(c.queued, i, i+1)
	c.mu.Unlock()

	c.failQueued(q, err)
}

func (c *BrokerStreamClient) failQueued(q *queuedRequest, err error) {
	q.stop()
	c.observer.ObserveLookup("broker", time.Since(q.started), err)
	q.future.Fail(err)
}

// take removes and returns the entry for key, or nil if it is gone.
func (c *BrokerStreamClient) take(key uint64) *pendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	c.observer.ObservePending(len(c.pending))
	return entry
}

// abandon fails the request for key if it is still pending.
func (c *BrokerStreamClient) abandon(key uint64, err error) {
	if entry := c.take(key); entry != nil {
		c.finish(entry, "", err)
	}
}

func (c *BrokerStreamClient) finish(entry *pendingEntry, name string, err error) {
	entry.stop()
	c.observer.ObserveLookup("broker", time.Since(entry.started), err)
	if err != nil {
		entry.future.Fail(err)
		return
	}
	entry.future.Complete(name)
}

// send writes one request on s. The entry for key is already registered.
func (c *BrokerStreamClient) send(s *session, key uint64, brokerID int32) {
	s.sendMu.Lock()
	err := s.stream.Send(&pb.BrokerInfoRequest{CorrelationId: key, Id: brokerID})
	s.sendMu.Unlock()
	if err != nil {
		// The receive loop observes the broken stream and fails the rest.
		c.abandon(key, &TransportError{Op: "send", Err: err})
	}
}

// recvLoop completes pending entries from replies until the stream ends.
func (c *BrokerStreamClient) recvLoop(s *session) {
	logger := log.With().
		Str("component", "brokerRecvLoop").
		Str("session", s.id).
		Logger()

	for {
		reply, err := s.stream.Recv()
		if err != nil {
			c.handleStreamEnd(s, err)
			return
		}

		entry := c.take(reply.GetCorrelationId())
		if entry == nil {
			// timed out, cancelled or never issued by this client
			logger.Debug().Uint64("correlationId", reply.GetCorrelationId()).Msg("reply for unknown correlation id")
			continue
		}

		if reply.GetNotFound() {
			c.finish(entry, "", &NotFoundError{Kind: "broker", ID: entry.id})
			continue
		}
		c.finish(entry, reply.GetBrokerName(), nil)
	}
}

// handleStreamEnd fails everything pending on s and schedules a reconnect.
func (c *BrokerStreamClient) handleStreamEnd(s *session, err error) {
	c.mu.Lock()
	if c.session != s {
		// Close already took over this session
		c.mu.Unlock()
		return
	}
	c.session = nil
	pending := c.pending
	c.pending = make(map[uint64]*pendingEntry)
	c.observer.ObservePending(0)
	c.setStateLocked(StateFaulted)
	c.mu.Unlock()

	s.cancel()

	log.Warn().Err(err).Str("session", s.id).Int("failedPending", len(pending)).Msg("broker stream terminated")

	terr := &TransportError{Op: "recv", Err: err}
	for _, entry := range pending {
		c.finish(entry, "", terr)
	}

	if c.cfg.Reconnect && c.ctx.Err() == nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.Connect(c.ctx); err != nil {
				log.Error().Err(err).Msg("broker stream reconnect gave up")
			}
		}()
	}
}

// Close fails every pending and queued request, releases the stream and waits
// for the client's goroutines. The client cannot be reopened.
func (c *BrokerStreamClient) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.setStateLocked(StateClosing)
		s := c.session
		c.session = nil
		pending := c.pending
		c.pending = make(map[uint64]*pendingEntry)
		c.observer.ObservePending(0)
		queued := c.queued
		c.queued = nil
		c.mu.Unlock()

		terr := &TransportError{Op: "close", Err: ErrClientClosed}
		for _, entry := range pending {
			c.finish(entry, "", terr)
		}
		for _, q := range queued {
			c.failQueued(q, terr)
		}

		if s != nil {
			s.sendMu.Lock()
			if err := s.stream.CloseSend(); err != nil {
				log.Warn().Err(err).Str("session", s.id).Msg("failed to half-close broker stream")
			}
			s.sendMu.Unlock()
			s.cancel()
		}
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("waiting for broker stream goroutines: %w", ctx.Err())
		}

		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		log.Info().Msg("broker stream client closed")
	})
	return closeErr
}
