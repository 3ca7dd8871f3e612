package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/txcore/admin"
	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/engine"
	"github.com/maxpert/txcore/store"
	"github.com/maxpert/txcore/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("txcore - lock manager and transaction state core")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	st, err := store.Open(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer st.Close()

	eng := engine.New(st, engine.DefaultOptions())
	report, err := eng.Recover()
	if err != nil {
		log.Fatal().Err(err).Msg("Recovery failed")
		return
	}
	log.Info().
		Int("in_doubt", report.InDoubt).
		Int("replayed", report.Replayed).
		Uint64("max_commit_seq", report.MaxCommit).
		Msg("Transaction state recovered")

	eng.StartMergeLoop()
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error().Err(err).Msg("Engine close failed")
		}
	}()

	collector := telemetry.NewMetricsCollector(eng, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	var srv *http.Server
	if cfg.Config.Admin.Enabled {
		srv = startAdminServer(eng)
	}

	log.Info().
		Str("store", string(cfg.Config.Store.Type)).
		Str("data_dir", cfg.Config.DataDir).
		Bool("admin", cfg.Config.Admin.Enabled).
		Msg("txcore is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutdown signal received, stopping...")
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}

func startAdminServer(eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(eng))

	addr := net.JoinHostPort(cfg.Config.Admin.Address, strconv.Itoa(cfg.Config.Admin.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()
	return srv
}
