package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/waveline/waveline-server/internal/auth"
	"github.com/waveline/waveline-server/internal/config"
	"github.com/waveline/waveline-server/internal/relay"
	"github.com/waveline/waveline-server/internal/session"
	"github.com/waveline/waveline-server/internal/store"
	"github.com/waveline/waveline-server/internal/store/sqlite"
	transporthttp "github.com/waveline/waveline-server/internal/transport/http"
)

// App wires together the identity service, session authority, relay
// and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	sweepInterval   time.Duration

	authority          *auth.Service
	sessions           *session.Authority
	participantTimeout time.Duration

	store store.Store
	clk   clock.Clock
	log   *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	clk := clock.New()

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.TokenTTL,
	}

	authService := auth.NewService(st, jwtConfig, clk, cfg.TokenIdleTimeout)
	sessions := session.New(clk, logger)
	rly := relay.New(sessions, authService, logger)
	server := transporthttp.NewServer(sessions, authService, rly, cfg, logger)

	return &App{
		server:             server,
		shutdownTimeout:    cfg.ShutdownTimeout,
		sweepInterval:      cfg.SweepInterval,
		authority:          authService,
		sessions:           sessions,
		participantTimeout: cfg.ParticipantTimeout,
		store:              st,
		clk:                clk,
		log:                logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.sweepLoop(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// sweepLoop periodically prunes idle tokens and inactive participants.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := a.clk.Ticker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.authority.CleanupExpiredTokens(); n > 0 {
				a.log.Debug().Int("tokens", n).Msg("idle tokens pruned")
			}
			if n := a.sessions.CleanupInactiveParticipants(a.participantTimeout); n > 0 {
				a.log.Debug().Int("participants", n).Msg("inactive participants pruned")
			}
		case <-ctx.Done():
			return
		}
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
