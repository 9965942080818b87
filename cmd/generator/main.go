/*
Package main implements the trade feed generator.

The generator produces a batch of random trades on every tick and publishes each
batch to all WebSocket subscribers of /trades, for consumption by the enricher's
feed source.

Usage:

	generator -addr=:8090 -batch=100 -interval=50ms
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"enrichment/internal/feed"
	"enrichment/internal/source"
)

// Command-line flags for configuring the feed
var (
	addr           = flag.String("addr", ":8090", "Address serving the /trades WebSocket feed")
	batch          = flag.Int("batch", source.DefaultBatchSize, "Trades per batch")
	interval       = flag.Duration("interval", source.DefaultInterval, "Delay between batches")
	maxSubscribers = flag.Int("max-subscribers", 64, "Maximum concurrent feed subscribers")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, err := source.NewGenerator().Batches(ctx, *batch, *interval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start generator")
	}

	dispatcher := feed.NewDispatcher(feed.DispatcherConfig{MaxSubscribers: *maxSubscribers})
	if err := dispatcher.StartDispatching(ctx, batches); err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}

	mux := http.NewServeMux()
	mux.Handle("/trades", feed.NewServer(dispatcher, feed.ServerConfig{}))
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		// stopping the dispatcher closes every subscriber with a going-away frame
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("feed server shutdown")
		}
	}()

	log.Info().
		Str("addr", *addr).
		Int("batch", *batch).
		Dur("interval", *interval).
		Msg("trade feed starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// validateConfig checks the command-line flags before anything starts.
func validateConfig() error {
	if *addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if *batch <= 0 {
		return fmt.Errorf("batch must be greater than 0")
	}
	if *interval <= 0 {
		return fmt.Errorf("interval must be greater than 0")
	}
	if *maxSubscribers <= 0 {
		return fmt.Errorf("max-subscribers must be greater than 0")
	}
	return nil
}
