// Package service implements the gRPC lookup services backed by read-only reference maps.
//
// ProductService answers unary ProductInfo calls. BrokerService serves the
// bidirectional BrokerInfo stream: requests on one stream are resolved concurrently
// and replies are written back by a single sender, each carrying the correlation id
// of its request. Reply order is therefore not guaranteed.
package service

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "enrichment/api/lookup"
	"enrichment/internal/utils"
)

// ReferenceLookup resolves an id to its display name.
type ReferenceLookup interface {
	Lookup(id int32) (string, bool)
}

// ProductService implements the ProductService gRPC interface.
type ProductService struct {
	pb.UnimplementedProductServiceServer                 // Embed unimplemented server for forward compatibility
	products                             ReferenceLookup // Read-only product table
}

// NewProductService creates a ProductService over products.
func NewProductService(products ReferenceLookup) *ProductService {
	return &ProductService{products: products}
}

// ProductInfo resolves one product id. Unknown ids yield a NotFound status.
func (ps *ProductService) ProductInfo(ctx context.Context, req *pb.ProductInfoRequest) (*pb.ProductInfoReply, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if err := utils.ValidateID("product", req.GetId()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	name, ok := ps.products.Lookup(req.GetId())
	if !ok {
		log.Debug().Int32("productId", req.GetId()).Msg("product not found")
		return nil, status.Errorf(codes.NotFound, "product %d not found", req.GetId())
	}
	return &pb.ProductInfoReply{ProductName: name}, nil
}

// BrokerServiceConfig holds configuration parameters for the BrokerService.
type BrokerServiceConfig struct {
	MaxConcurrentPerStream int           // Resolvers running at once per stream; receiving blocks beyond it
	ReplyBuffer            int           // Replies queued for the sender before resolvers block
	MaxJitter              time.Duration // Random delay added to each resolution, zero for none
}

const (
	defaultMaxConcurrentPerStream = 64
	defaultReplyBuffer            = 64
)

// BrokerService implements the BrokerService gRPC interface.
type BrokerService struct {
	pb.UnimplementedBrokerServiceServer
	brokers ReferenceLookup
	cfg     BrokerServiceConfig
}

// NewBrokerService creates a BrokerService over brokers.
func NewBrokerService(brokers ReferenceLookup, cfg BrokerServiceConfig) *BrokerService {
	if cfg.MaxConcurrentPerStream <= 0 {
		cfg.MaxConcurrentPerStream = defaultMaxConcurrentPerStream
	}
	if cfg.ReplyBuffer <= 0 {
		cfg.ReplyBuffer = defaultReplyBuffer
	}
	return &BrokerService{brokers: brokers, cfg: cfg}
}

// BrokerInfo serves one bidirectional lookup stream until the client half-closes or
// the stream breaks.
//
// The receive loop hands every request to its own resolver goroutine; resolvers push
// replies to a channel drained by the only goroutine allowed to call Send.
func (bs *BrokerService) BrokerInfo(stream pb.BrokerService_BrokerInfoServer) error {
	g, ctx := errgroup.WithContext(stream.Context())
	replies := make(chan *pb.BrokerInfoReply, bs.cfg.ReplyBuffer)

	logger := log.With().Str("component", "brokerStream").Logger()
	logger.Info().Msg("broker stream opened")

	// Single sender
	g.Go(func() error {
		for reply := range replies {
			if err := stream.Send(reply); err != nil {
				logger.Error().Err(err).Msg("failed to send broker reply")
				return err
			}
		}
		return nil
	})

	// Receiver, fanning out to resolvers
	g.Go(func() error {
		var resolvers errgroup.Group
		resolvers.SetLimit(bs.cfg.MaxConcurrentPerStream)
		defer func() {
			_ = resolvers.Wait()
			close(replies)
		}()

		for {
			req, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("broker stream half-closed by client")
				return nil
			}
			if err != nil {
				return err
			}

			resolvers.Go(func() error {
				reply := bs.resolve(ctx, req)
				select {
				case replies <- reply:
				case <-ctx.Done():
				}
				return nil
			})
		}
	})

	err := g.Wait()
	if err != nil && status.Code(err) == codes.Canceled {
		logger.Info().Msg("broker stream cancelled by client")
		return nil
	}
	return err
}

// resolve builds the reply for req, echoing its correlation id.
func (bs *BrokerService) resolve(ctx context.Context, req *pb.BrokerInfoRequest) *pb.BrokerInfoReply {
	if bs.cfg.MaxJitter > 0 {
		select {
		case <-time.After(rand.N(bs.cfg.MaxJitter)):
		case <-ctx.Done():
		}
	}

	reply := &pb.BrokerInfoReply{CorrelationId: req.GetCorrelationId()}
	name, ok := bs.brokers.Lookup(req.GetId())
	if !ok {
		log.Debug().Int32("brokerId", req.GetId()).Uint64("correlationId", req.GetCorrelationId()).Msg("broker not found")
		reply.NotFound = true
		return reply
	}
	reply.BrokerName = name
	return reply
}
