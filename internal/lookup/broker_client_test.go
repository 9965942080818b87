package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	pb "enrichment/api/lookup"
	"enrichment/internal/future"
	"enrichment/internal/grpctest"
)

const notFoundBroker = 9999

func brokerName(id int32) string {
	return fmt.Sprintf("broker-%d", id)
}

// scriptedBrokers answers immediately unless silent is set, in which case it reads
// requests and never replies.
type scriptedBrokers struct {
	pb.UnimplementedBrokerServiceServer
	silent   atomic.Bool
	received atomic.Int32
}

func (s *scriptedBrokers) BrokerInfo(stream pb.BrokerService_BrokerInfoServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return nil
		}
		s.received.Add(1)
		if s.silent.Load() {
			continue
		}
		if err := stream.Send(replyFor(req)); err != nil {
			return err
		}
	}
}

// reversingBrokers buffers batch requests and answers them last-first.
type reversingBrokers struct {
	pb.UnimplementedBrokerServiceServer
	batch int
}

func (r *reversingBrokers) BrokerInfo(stream pb.BrokerService_BrokerInfoServer) error {
	var reqs []*pb.BrokerInfoRequest
	for {
		req, err := stream.Recv()
		if err != nil {
			return nil
		}
		reqs = append(reqs, req)
		if len(reqs) < r.batch {
			continue
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			if err := stream.Send(replyFor(reqs[i])); err != nil {
				return err
			}
		}
		reqs = reqs[:0]
	}
}

func replyFor(req *pb.BrokerInfoRequest) *pb.BrokerInfoReply {
	if req.GetId() == notFoundBroker {
		return &pb.BrokerInfoReply{CorrelationId: req.GetCorrelationId(), NotFound: true}
	}
	return &pb.BrokerInfoReply{CorrelationId: req.GetCorrelationId(), BrokerName: brokerName(req.GetId())}
}

func fastReconnect() BrokerClientConfig {
	return BrokerClientConfig{
		Reconnect:                true,
		ReconnectInitialInterval: 5 * time.Millisecond,
		ReconnectMaxInterval:     50 * time.Millisecond,
	}
}

func newConnectedClient(t *testing.T, srv *grpctest.Server, cfg BrokerClientConfig, opts ...Option) *BrokerStreamClient {
	t.Helper()
	client := NewBrokerStreamClient(srv.Dial(t), cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.Equal(t, StateOpen, client.State())
	return client
}

func waitState(t *testing.T, client *BrokerStreamClient, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForState(ctx, want))
}

func Test_StateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "Closed"},
		{StateConnecting, "Connecting"},
		{StateOpen, "Open"},
		{StateClosing, "Closing"},
		{StateFaulted, "Faulted"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func Test_BrokerClientLookup(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	observer := newRecordingObserver()
	client := newConnectedClient(t, srv, BrokerClientConfig{}, WithObserver(observer))

	t.Run("Known id resolves", func(t *testing.T) {
		name, err := awaitResult(t, client.Lookup(context.Background(), 21))
		require.NoError(t, err)
		assert.Equal(t, "broker-21", name)
	})

	t.Run("Unknown id fails alone", func(t *testing.T) {
		bad := client.Lookup(context.Background(), notFoundBroker)
		good := client.Lookup(context.Background(), 22)

		_, err := awaitResult(t, bad)
		assert.ErrorIs(t, err, ErrNotFound)
		var notFound *NotFoundError
		require.True(t, errors.As(err, &notFound))
		assert.Equal(t, "broker", notFound.Kind)
		assert.Equal(t, int32(notFoundBroker), notFound.ID)

		name, err := awaitResult(t, good)
		require.NoError(t, err)
		assert.Equal(t, "broker-22", name)
	})

	assert.Equal(t, 0, client.PendingCount())
	assert.Equal(t, int32(1), observer.reconnects.Load())

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, 3, observer.lookups["broker"])
	assert.Equal(t, 0, observer.pending[len(observer.pending)-1])
}

func Test_BrokerClientOutOfOrderReplies(t *testing.T) {
	const n = 10
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &reversingBrokers{batch: n})
	})
	client := newConnectedClient(t, srv, BrokerClientConfig{})

	futures := make([]*future.Future[string], n)
	for i := range futures {
		futures[i] = client.Lookup(context.Background(), int32(i+1))
	}

	for i, f := range futures {
		name, err := awaitResult(t, f)
		require.NoError(t, err)
		assert.Equal(t, brokerName(int32(i+1)), name, "request %d must get its own reply", i)
	}
	assert.Equal(t, 0, client.PendingCount())
}

func Test_BrokerClientConcurrentLookups(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	client := newConnectedClient(t, srv, BrokerClientConfig{})

	const workers, perWorker = 8, 50
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			for i := 0; i < perWorker; i++ {
				id := int32(w*perWorker + i + 1)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				name, err := client.Lookup(ctx, id).Await(ctx)
				cancel()
				if err != nil {
					errs <- err
					return
				}
				if name != brokerName(id) {
					errs <- fmt.Errorf("id %d resolved to %q", id, name)
					return
				}
			}
			errs <- nil
		}(w)
	}
	for w := 0; w < workers; w++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 0, client.PendingCount())
}

func Test_BrokerClientNotConnected(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	client := NewBrokerStreamClient(srv.Dial(t), BrokerClientConfig{})
	assert.Equal(t, StateClosed, client.State())

	_, err := awaitResult(t, client.Lookup(context.Background(), 21))
	assert.ErrorIs(t, err, ErrNotConnected)

	var notConnected *NotConnectedError
	require.True(t, errors.As(err, &notConnected))
	assert.Equal(t, StateClosed, notConnected.State)
	assert.Equal(t, 0, client.PendingCount())
}

func Test_BrokerClientConnectionLossAndReconnect(t *testing.T) {
	fake := &scriptedBrokers{}
	fake.silent.Store(true)
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, fake)
	})
	observer := newRecordingObserver()
	client := newConnectedClient(t, srv, fastReconnect(), WithObserver(observer))

	const inFlight = 5
	futures := make([]*future.Future[string], inFlight)
	for i := range futures {
		futures[i] = client.Lookup(context.Background(), int32(21+i))
	}
	assert.Equal(t, inFlight, client.PendingCount())

	// force-close the connection under the open stream
	srv.Stop()

	for _, f := range futures {
		_, err := awaitResult(t, f)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransport)
	}
	assert.Equal(t, 0, client.PendingCount(), "pending map must be empty after the stream fails")
	assert.NotEqual(t, StateOpen, client.State())

	fake.silent.Store(false)
	srv.Restart()
	waitState(t, client, StateOpen)

	name, err := awaitResult(t, client.Lookup(context.Background(), 23))
	require.NoError(t, err)
	assert.Equal(t, "broker-23", name)
	assert.GreaterOrEqual(t, observer.reconnects.Load(), int32(2))
}

func Test_BrokerClientNoReconnect(t *testing.T) {
	fake := &scriptedBrokers{}
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, fake)
	})
	client := newConnectedClient(t, srv, BrokerClientConfig{})

	srv.Stop()
	waitState(t, client, StateFaulted)

	_, err := awaitResult(t, client.Lookup(context.Background(), 21))
	var notConnected *NotConnectedError
	require.True(t, errors.As(err, &notConnected))
	assert.Equal(t, StateFaulted, notConnected.State)

	// an explicit Connect recovers a faulted client
	srv.Restart()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	name, err := awaitResult(t, client.Lookup(context.Background(), 22))
	require.NoError(t, err)
	assert.Equal(t, "broker-22", name)
}

func Test_BrokerClientQueueWhileConnecting(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	srv.Stop()

	cfg := fastReconnect()
	cfg.QueueWhileConnecting = true
	client := NewBrokerStreamClient(srv.Dial(t), cfg)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		connectErr <- client.Connect(ctx)
	}()
	waitState(t, client, StateConnecting)

	queued := client.Lookup(context.Background(), 24)
	assert.False(t, queued.IsDone(), "request must wait for the stream to open")
	assert.Equal(t, 0, client.PendingCount())

	srv.Restart()
	require.NoError(t, <-connectErr)

	name, err := awaitResult(t, queued)
	require.NoError(t, err)
	assert.Equal(t, "broker-24", name)
	assert.Equal(t, 0, client.QueuedCount())
}

func Test_BrokerClientQueuedFailWhenConnectGivesUp(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	srv.Stop()

	cfg := fastReconnect()
	cfg.QueueWhileConnecting = true
	client := NewBrokerStreamClient(srv.Dial(t), cfg)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	connectErr := make(chan error, 1)
	go func() { connectErr <- client.Connect(ctx) }()
	waitState(t, client, StateConnecting)

	queued := client.Lookup(context.Background(), 21)
	cancel()

	err := <-connectErr
	assert.ErrorIs(t, err, ErrTransport)

	_, err = awaitResult(t, queued)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFaulted, client.State())
}

func Test_BrokerClientQueuedRequestsExpire(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	srv.Stop()

	cfg := fastReconnect()
	cfg.QueueWhileConnecting = true
	cfg.RequestTimeout = 50 * time.Millisecond
	observer := newRecordingObserver()
	client := NewBrokerStreamClient(srv.Dial(t), cfg, WithObserver(observer))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	// the server stays down, so Connect keeps retrying and the client stays Connecting
	connectCtx, stopConnect := context.WithCancel(context.Background())
	t.Cleanup(stopConnect)
	go func() { _ = client.Connect(connectCtx) }()
	waitState(t, client, StateConnecting)

	timedOut := client.Lookup(context.Background(), 21)

	callerCtx, cancelCaller := context.WithCancel(context.Background())
	cancelled := client.Lookup(callerCtx, 22)
	require.Equal(t, 2, client.QueuedCount())
	cancelCaller()

	_, err := awaitResult(t, cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = awaitResult(t, timedOut)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	assert.Equal(t, 0, client.QueuedCount(), "expired requests must leave the queue")
	observer.mu.Lock()
	assert.Equal(t, 2, observer.lookups["broker"])
	assert.Equal(t, 2, observer.errors)
	observer.mu.Unlock()
	assert.Equal(t, StateConnecting, client.State(), "expiring queued requests must not stop the connect loop")
}

func Test_BrokerClientRequestTimeout(t *testing.T) {
	fake := &scriptedBrokers{}
	fake.silent.Store(true)
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, fake)
	})
	client := newConnectedClient(t, srv, BrokerClientConfig{RequestTimeout: 30 * time.Millisecond})

	_, err := awaitResult(t, client.Lookup(context.Background(), 21))
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, client.PendingCount())
	assert.Equal(t, StateOpen, client.State(), "a timed out request must not break the stream")
}

func Test_BrokerClientCallerCancellation(t *testing.T) {
	fake := &scriptedBrokers{}
	fake.silent.Store(true)
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, fake)
	})
	client := newConnectedClient(t, srv, BrokerClientConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	f := client.Lookup(ctx, 21)
	assert.Equal(t, 1, client.PendingCount())
	cancel()

	_, err := awaitResult(t, f)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return client.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	_, err = awaitResult(t, client.Lookup(ctx, 22))
	assert.ErrorIs(t, err, context.Canceled, "an already cancelled context fails immediately")
}

func Test_BrokerClientClose(t *testing.T) {
	fake := &scriptedBrokers{}
	fake.silent.Store(true)
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, fake)
	})
	client := newConnectedClient(t, srv, fastReconnect())

	pending := []*future.Future[string]{
		client.Lookup(context.Background(), 21),
		client.Lookup(context.Background(), 22),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Close(ctx))

	for _, f := range pending {
		_, err := awaitResult(t, f)
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, ErrClientClosed)
	}
	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, 0, client.PendingCount())

	_, err := awaitResult(t, client.Lookup(context.Background(), 21))
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, client.Close(ctx), "Close is idempotent")
	assert.Error(t, client.Connect(ctx), "a closed client cannot reconnect")
}

func Test_BrokerClientConnectTwice(t *testing.T) {
	srv := grpctest.Start(t, func(s *grpc.Server) {
		pb.RegisterBrokerServiceServer(s, &scriptedBrokers{})
	})
	client := newConnectedClient(t, srv, BrokerClientConfig{})
	assert.Error(t, client.Connect(context.Background()))
	assert.Equal(t, StateOpen, client.State())
}
