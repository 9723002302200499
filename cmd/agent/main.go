// Command agent streams a generated tone into an audiobridge room of the
// gateway, then leaves.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/audiolink/internal/adapters/http"
	"github.com/dkeye/audiolink/internal/adapters/rtc"
	"github.com/dkeye/audiolink/internal/app/bridge"
	"github.com/dkeye/audiolink/internal/config"
	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/gateway"
	"github.com/dkeye/audiolink/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(config.Flags("agent"), os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	engine, err := rtc.NewEngine(rtc.EngineConfig{
		ICEServers: cfg.ICEServers,
		PortMin:    cfg.ICEPortMin,
		PortMax:    cfg.ICEPortMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	messenger := gateway.NewMessenger(cfg.Gateway.URL,
		gateway.WithSubprotocol(cfg.Gateway.Subprotocol),
		gateway.WithMetrics(m),
	)
	session := gateway.NewSession(messenger,
		gateway.WithKeepaliveInterval(cfg.Gateway.KeepaliveInterval),
		gateway.WithSessionMetrics(m),
	)
	streamer := bridge.NewStreamer(session, engine, bridge.Config{
		Plugin:  cfg.Gateway.Plugin,
		Room:    domain.AudioRoom(cfg.Gateway.Room),
		Display: cfg.Gateway.Display,
		Hold:    cfg.Gateway.Hold,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.SetupRouter(router.Status{
			Mode:     cfg.Mode,
			Session:  streamer,
			Gatherer: reg,
		}),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	if err := streamer.Run(ctx); err != nil {
		log.Error().Err(err).Msg("streaming failed")
	} else {
		log.Info().Msg("streaming completed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
}
