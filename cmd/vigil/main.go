package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil"
	"github.com/vigildb/vigil/cfg"
)

var (
	configPathFlag  = flag.String("config", "vigil.toml", "Path to TOML configuration")
	metricsAddrFlag = flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty = disabled)")
)

// vigild runs the engine standalone: it opens the configured database,
// forwards committed changes to the configured sinks and optionally
// serves metrics. Useful for running vigil as a CDC forwarder without
// embedding it.
func main() {
	flag.Parse()

	if err := cfg.Load(*configPathFlag); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("origin_id", cfg.Config.OriginID).
		Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Vigil - Embedded CDC Engine")

	db, err := vigil.Open(*configPathFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer db.Close()

	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", db.MetricsHandler())
		metricsServer = &http.Server{Addr: *metricsAddrFlag, Handler: mux}
		go func() {
			log.Info().Str("addr", *metricsAddrFlag).Msg("Serving metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown")
		}
	}
}
