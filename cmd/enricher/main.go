/*
Package main implements the trade enricher.

The enricher reads trades from the embedded generator or a remote WebSocket feed,
resolves each trade's product name with a unary ProductInfo call and its broker name
over a shared BrokerInfo stream, and writes the enriched records in input order to
the log or to Kafka.

Usage:

	enricher [flags] <host> <port>

	enricher -source=feed -feed-url=ws://localhost:8090/trades -sink=kafka localhost 50051

Missing or invalid arguments print usage and exit with status 1.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"enrichment/internal/config"
	"enrichment/internal/feed"
	"enrichment/internal/logging"
	"enrichment/internal/lookup"
	"enrichment/internal/metrics"
	"enrichment/internal/model"
	"enrichment/internal/pipeline"
	"enrichment/internal/sink"
	"enrichment/internal/source"
)

// Command-line flags. Set flags override the configuration file and environment.
var (
	configPath  = flag.String("config", "", "Optional configuration file (TOML, YAML or JSON)")
	sourceKind  = flag.String("source", "", "Trade source: embedded or feed")
	feedURL     = flag.String("feed-url", "", "WebSocket trade feed URL, used with -source=feed")
	sinkKind    = flag.String("sink", "", "Record sink: log or kafka")
	metricsAddr = flag.String("metrics-addr", "", "Address serving /metrics, e.g. :9100; empty disables")
)

const shutdownTimeout = 5 * time.Second

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <host> <port>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		flag.Usage()
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			log.Info().Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = run(ctx, cancel, cfg)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("enricher failed")
	} else {
		log.Info().Msg("enricher stopped")
	}
	if cerr := logCloser.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	m := metrics.New()

	conn, err := grpc.NewClient(cfg.Lookup.Address(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("create lookup connection: %w", err)
	}
	defer conn.Close()

	products := lookup.NewProductClient(conn, cfg.Lookup.ProductClient(), lookup.WithObserver(m))
	brokers := lookup.NewBrokerStreamClient(conn, cfg.Lookup.BrokerClient(), lookup.WithObserver(m))
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := brokers.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("broker stream close")
		}
	}()

	log.Info().Str("addr", cfg.Lookup.Address()).Msg("connecting to lookup server")
	if err := brokers.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker stream: %w", err)
	}

	trades, err := openSource(ctx, cfg.Source)
	if err != nil {
		return err
	}

	out, err := openSink(cfg.Sink)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn().Err(err).Msg("sink close")
		}
	}()

	records := pipeline.New(products, brokers, cfg.Pipeline.Pipeline()).Run(ctx, trades)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the record stream ends with the source, which ends the process
		defer cancel()
		written := sink.Drain(gctx, records, out, m)
		log.Info().Int("written", written).Msg("record stream finished")
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Addr)
		})
	}

	log.Info().
		Str("source", cfg.Source.Kind).
		Str("sink", cfg.Sink.Kind).
		Int("maxInFlight", cfg.Pipeline.MaxInFlight).
		Msg("enricher started")

	return g.Wait()
}

func openSource(ctx context.Context, cfg config.SourceConfig) (<-chan model.Trade, error) {
	switch cfg.Kind {
	case "feed":
		connector, err := feed.NewConnector(cfg.Connector())
		if err != nil {
			return nil, err
		}
		trades, err := connector.Subscribe(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscribe to trade feed: %w", err)
		}
		return trades, nil
	default:
		return source.NewGenerator().Stream(ctx, cfg.BatchSize, cfg.Interval)
	}
}

func openSink(cfg config.SinkConfig) (sink.Sink, error) {
	switch cfg.Kind {
	case "kafka":
		s, err := sink.NewKafkaSink(cfg.Kafka())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return sink.NewLogSink(log.Logger), nil
	}
}

// loadConfig layers the positional host and port and any set flags over the loaded
// configuration.
func loadConfig() (*config.Config, error) {
	if flag.NArg() != 2 {
		return nil, fmt.Errorf("%w: expected arguments <host> <port>, got %d", config.ErrInvalidArgument, flag.NArg())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyLookupArgs(flag.Arg(0), flag.Arg(1)); err != nil {
		return nil, err
	}
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
	}
	if *feedURL != "" {
		cfg.Source.FeedURL = *feedURL
	}
	if *sinkKind != "" {
		cfg.Sink.Kind = *sinkKind
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	return cfg, cfg.Validate()
}
