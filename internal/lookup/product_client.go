package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "enrichment/api/lookup"
	"enrichment/internal/future"
)

const (
	defaultRequestTimeout       = 5 * time.Second
	defaultMaxAttempts          = 3
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = time.Second
)

// ProductClientConfig tunes the unary product client.
type ProductClientConfig struct {
	// RequestTimeout bounds each attempt.
	RequestTimeout time.Duration

	// MaxAttempts caps attempts per lookup, retries included.
	MaxAttempts uint

	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration
}

func (c *ProductClientConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = defaultRetryMaxInterval
	}
}

// ProductClient resolves product ids over unary ProductInfo calls.
//
// Every lookup is an independent exchange: gRPC pairs each request with its own
// response, so the client keeps no correlation state and is safe for concurrent use.
type ProductClient struct {
	client   pb.ProductServiceClient
	cfg      ProductClientConfig
	observer Observer
}

// NewProductClient creates a client issuing calls on conn.
func NewProductClient(conn grpc.ClientConnInterface, cfg ProductClientConfig, opts ...Option) *ProductClient {
	cfg.applyDefaults()
	o := buildOptions(opts)
	return &ProductClient{
		client:   pb.NewProductServiceClient(conn),
		cfg:      cfg,
		observer: o.observer,
	}
}

// Lookup resolves productID asynchronously.
//
// The future fails with *NotFoundError when the server has no such product, and
// with *TransportError once retries of transient failures are exhausted.
func (c *ProductClient) Lookup(ctx context.Context, productID int32) *future.Future[string] {
	return future.Go(func() (string, error) {
		start := time.Now()
		name, err := c.lookup(ctx, productID)
		c.observer.ObserveLookup("product", time.Since(start), err)
		return name, err
	})
}

func (c *ProductClient) lookup(ctx context.Context, productID int32) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.MaxInterval = c.cfg.RetryMaxInterval

	attempt := 0
	name, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		reply, err := c.client.ProductInfo(callCtx, &pb.ProductInfoRequest{Id: productID})
		if err != nil {
			return "", classifyProductError(productID, err)
		}
		return reply.GetProductName(), nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().
				Err(err).
				Int32("productId", productID).
				Int("attempt", attempt).
				Dur("retryIn", next).
				Msg("product lookup failed, retrying")
		}),
	)
	if err == nil {
		return name, nil
	}

	// Retry hands back the permanent wrapper when the attempt cap is hit first.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	var notFound *NotFoundError
	var transport *TransportError
	switch {
	case errors.As(err, &notFound):
		return "", notFound
	case errors.As(err, &transport):
		return "", transport
	default:
		// context cancellation surfaces from Retry unwrapped
		return "", &TransportError{Op: "product", Err: err}
	}
}

// classifyProductError maps a gRPC status to the client's error kinds. Only
// transient transport codes are left retryable.
func classifyProductError(productID int32, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return backoff.Permanent(&NotFoundError{Kind: "product", ID: productID})
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return &TransportError{Op: "product", Err: err}
	default:
		return backoff.Permanent(&TransportError{Op: "product", Err: err})
	}
}
