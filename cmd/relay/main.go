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

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/backend"
	"github.com/carewire/telertc/internal/config"
	"github.com/carewire/telertc/internal/relay"
	"github.com/carewire/telertc/internal/security"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	var (
		store        audit.Store            = audit.NewMemoryStore()
		notifier     audit.Notifier
		policy       security.PolicyBackend = security.StaticPolicy{}
		sessionStore relay.SessionStore
	)
	if cfg.BackendURL != "" {
		client := backend.NewClient(cfg.BackendURL, cfg.Secret)
		store, notifier, policy, sessionStore = client, client, client, client
	} else {
		// Standalone mode: in-memory audit trail, allow-all policy.
		log.Warn().Msg("no backend configured, audit trail is in-memory only")
	}

	auditor := audit.NewLogger(store, notifier)
	tokens := security.NewTokenService(cfg.Secret, cfg.Security.TokenTTL)
	access := security.NewAccessControl(policy, auditor, cfg.Security.OriginFailOpen)

	ctl := relay.NewController(tokens, access, auditor)
	provisioner := relay.NewSessionHandler(tokens, sessionStore, auditor, cfg.Security.SessionTimeout)

	r := relay.SetupRouter(cfg, ctl, provisioner)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling relay started")
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
