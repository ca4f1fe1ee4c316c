package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/adapters/gateway"
	router "github.com/dkeye/intercom/internal/adapters/http"
	"github.com/dkeye/intercom/internal/app"
	"github.com/dkeye/intercom/internal/app/coord"
	"github.com/dkeye/intercom/internal/config"
	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	var gw core.GatewayClient
	if cfg.Gateway.Mock {
		log.Warn().Msg("gateway mock enabled, audio rooms are in-process only")
		mem := gateway.NewMemory()
		gw = mem
		groups, err := db.ListGroups(ctx)
		if err != nil {
			log.Error().Err(err).Msg("list groups for reconciliation")
		} else {
			app.NewRoomSync(mem).Reconcile(ctx, groups)
		}
	} else {
		mgr := gateway.NewManager(cfg.Gateway)
		gw = mgr
		sync := app.NewRoomSync(mgr)
		mgr.OnConnect = func() {
			groups, err := db.ListGroups(ctx)
			if err != nil {
				log.Error().Err(err).Msg("list groups for reconciliation")
				return
			}
			sync.Reconcile(ctx, groups)
		}
		go mgr.Run(ctx)
	}

	presence := app.NewPresence()
	handles := app.NewHandles(gw, cfg.Gateway.CallTimeout)
	c := &coord.Coordinator{
		Presence: presence,
		Handles:  handles,
		Groups:   db,
	}

	r := router.SetupRouter(ctx, cfg, &router.API{Store: db, Coord: c, Gateway: gw})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Intercom server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
