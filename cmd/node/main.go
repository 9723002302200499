// Command node joins a relay room and negotiates tone-carrying peer
// connections with the other parties in it.
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
	"github.com/dkeye/audiolink/internal/adapters/relay"
	"github.com/dkeye/audiolink/internal/adapters/rtc"
	"github.com/dkeye/audiolink/internal/app/orch"
	"github.com/dkeye/audiolink/internal/config"
	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(config.Flags("node"), os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	hostID := cfg.Relay.HostID
	peers, _ := cfg.Relay.PeerIDs()

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

	client := relay.NewClient(cfg.Relay.URL, relay.WithMetrics(m))
	o := orch.New(domain.RoomID(cfg.Relay.RoomID), hostID, engine, client, m)
	if cfg.Relay.OfferLimit > 0 {
		o.Offers = orch.NewOfferLimiter(cfg.Relay.OfferLimit, cfg.Relay.OfferWindow)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.SetupRouter(router.Status{
			Mode:     cfg.Mode,
			HostID:   hostID,
			Peers:    o,
			Gatherer: reg,
		}),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	if err := client.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("relay connect failed")
	}
	if err := o.JoinRoom(ctx); err != nil {
		log.Error().Err(err).Str("room", cfg.Relay.RoomID).Msg("not negotiating")
	} else {
		o.OfferAll(ctx, peers)
		if err := o.Run(ctx, client.Events()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("relay loop stopped")
		}
	}

	log.Info().Msg("Shutting down")
	o.OnDisconnect()
	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("relay close")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Node exited gracefully")
}
