/*
Package main implements the reference-data lookup server.

The server loads product and broker tables from text files and answers lookups
over two gRPC services: ProductService resolves one product id per unary call and
BrokerService resolves broker ids over a bidirectional stream, echoing each request's
correlation id so clients can match replies that arrive out of order.

Usage:

	server [flags] <port>

	server -products=data/products.txt -brokers=data/brokers.txt 50051

A missing or invalid port prints usage and exits with status 1, as does a port that
cannot be bound.
*/
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	pb "enrichment/api/lookup"
	"enrichment/internal/config"
	"enrichment/internal/logging"
	"enrichment/internal/refdata"
	"enrichment/internal/service"
)

// Command-line flags. Set flags override the configuration file and environment.
var (
	configPath = flag.String("config", "", "Optional configuration file (TOML, YAML or JSON)")
	products   = flag.String("products", "", "Product table file, one \"id,name\" per line")
	brokers    = flag.String("brokers", "", "Broker table file, one \"id,name\" per line")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <port>\n", os.Args[0])
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

	err = serve(cfg)
	if err != nil {
		log.Error().Err(err).Msg("lookup server failed")
	}
	if cerr := logCloser.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

// serve loads the reference tables and answers lookups until a shutdown signal.
func serve(cfg *config.Config) error {
	productTable, err := refdata.LoadFile(cfg.Server.ProductsFile)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	brokerTable, err := refdata.LoadFile(cfg.Server.BrokersFile)
	if err != nil {
		return fmt.Errorf("load brokers: %w", err)
	}

	for _, p := range productTable.Products() {
		log.Debug().Int32("id", p.ID).Str("name", p.Name).Msg("product")
	}
	for _, b := range brokerTable.Brokers() {
		log.Debug().Int32("id", b.ID).Str("name", b.Name).Msg("broker")
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
	}

	// Broker lookups share one long-lived stream per client, so idle and aged
	// connections are recycled rather than held forever.
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	pb.RegisterProductServiceServer(s, service.NewProductService(productTable))
	pb.RegisterBrokerServiceServer(s, service.NewBrokerService(brokerTable, cfg.Server.BrokerService()))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		s.GracefulStop()
	}()

	log.Info().
		Int("port", cfg.Server.Port).
		Int("products", len(productTable)).
		Int("brokers", len(brokerTable)).
		Msg("lookup server starting")

	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info().Msg("lookup server stopped")
	return nil
}

// loadConfig layers the positional port and any set flags over the loaded configuration.
func loadConfig() (*config.Config, error) {
	if flag.NArg() != 1 {
		return nil, fmt.Errorf("%w: expected exactly one argument <port>, got %d", config.ErrInvalidArgument, flag.NArg())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyServerArgs(flag.Arg(0)); err != nil {
		return nil, err
	}
	if *products != "" {
		cfg.Server.ProductsFile = *products
	}
	if *brokers != "" {
		cfg.Server.BrokersFile = *brokers
	}
	return cfg, cfg.Validate()
}
