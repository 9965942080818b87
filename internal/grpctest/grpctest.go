// Package grpctest runs gRPC servers over an in-memory bufconn listener for tests.
//
// A Server can be stopped and restarted on a fresh listener while clients keep the
// same *grpc.ClientConn, which lets tests drop a connection and watch clients recover.
package grpctest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

// Server is a restartable in-memory gRPC server.
type Server struct {
	register func(*grpc.Server)

	mu  sync.Mutex
	lis *bufconn.Listener
	srv *grpc.Server
}

// Start serves the services installed by register and stops the server on test cleanup.
func Start(t testing.TB, register func(*grpc.Server)) *Server {
	t.Helper()
	s := &Server{register: register}
	s.start()
	t.Cleanup(s.Stop)
	return s
}

func (s *Server) start() {
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	s.register(srv)

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		_ = srv.Serve(lis)
	}()
}

// Stop closes every connection and the listener immediately.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
}

// Restart stops the server and starts a new one on a fresh listener.
func (s *Server) Restart() {
	s.Stop()
	s.start()
}

func (s *Server) dial(ctx context.Context, _ string) (net.Conn, error) {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	return lis.DialContext(ctx)
}

// Dial returns a client connection that always reaches the current listener.
// It is closed on test cleanup.
func (s *Server) Dial(t testing.TB) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(s.dial),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  10 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   100 * time.Millisecond,
			},
			MinConnectTimeout: time.Second,
		}),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
