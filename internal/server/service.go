// Package server provides the HTTP service for qshield.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/analytics"
	"github.com/thebtf/qshield/internal/auth"
	"github.com/thebtf/qshield/internal/broadcast"
	"github.com/thebtf/qshield/internal/channel"
	"github.com/thebtf/qshield/internal/config"
	"github.com/thebtf/qshield/internal/ingress"
	"github.com/thebtf/qshield/internal/journal"
	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/internal/server/sse"
	"github.com/thebtf/qshield/internal/server/ws"
	"github.com/thebtf/qshield/internal/session"
	"github.com/thebtf/qshield/internal/telemetry"
	"github.com/thebtf/qshield/pkg/models"
)

// Options are the collaborators of a Service.
type Options struct {
	Version   string
	Config    *config.Config
	Simulator ingress.Simulator
	Cipher    ingress.Cipher
	Records   ingress.RecordSource
	Journal   journal.Journal
	Metrics   *telemetry.Instruments
}

// Service is the qshield HTTP service.
type Service struct {
	version string
	config  *config.Config

	store       *channel.Store
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	sessions    *session.Manager
	actors      *ingress.Service
	tokens      *auth.Issuer
	journal     journal.Journal

	wsHandler      *ws.Handler
	sseBroadcaster *sse.Broadcaster

	router    chi.Router
	server    *http.Server
	ready     atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewService wires the session components and the HTTP routes.
func NewService(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewMemory()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Default()
	}

	tokens, err := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New()
	bc := broadcast.New(reg)
	store := channel.NewStore(bc)
	sessions := session.NewManager(store, reg, bc, session.Options{
		IdleTimeout:       cfg.SessionIdleTimeout(),
		ConnectionTimeout: cfg.ConnectionTimeout(),
		ReapInterval:      cfg.ReapInterval(),
	})
	actors := ingress.New(ingress.Deps{
		Store:     store,
		Registry:  reg,
		Sessions:  sessions,
		Simulator: opts.Simulator,
		Cipher:    opts.Cipher,
		Records:   opts.Records,
		Journal:   opts.Journal,
		Analytics: analytics.NewTracker(),
		Metrics:   opts.Metrics,
	}, ingress.Config{
		CallTimeout:      cfg.SimulatorTimeout(),
		DefaultKeyLength: cfg.DefaultKeyLength,
		PurgeJournal:     cfg.JournalDSN == "",
	})

	// A connection that cannot take frames is dropped like a reaped one
	bc.SetOnTransportFailure(func(sessionID, connectionID string, err error) {
		if err := actors.Disconnect(ctx, sessionID, connectionID); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Str("connectionId", connectionID).Msg("Failed to drop connection")
		}
	})
	reg.SetOnRoleVacated(func(sessionID string, role models.Role) {
		log.Info().Str("session", sessionID).Str("role", string(role)).Msg("Role vacated")
	})

	s := &Service{
		version:     opts.Version,
		config:      cfg,
		store:       store,
		registry:    reg,
		broadcaster: bc,
		sessions:    sessions,
		actors:      actors,
		tokens:      tokens,
		journal:     opts.Journal,
		wsHandler: ws.NewHandler(ctx, actors, tokens, ws.Options{
			SendBuffer:     cfg.SendBuffer,
			ActionRate:     cfg.ActionRate,
			ActionBurst:    cfg.ActionBurst,
			AllowedOrigins: cfg.AllowedOrigins,
			Metrics:        opts.Metrics,
		}),
		sseBroadcaster: sse.NewBroadcaster(actors, tokens, cfg.SendBuffer, opts.Metrics),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}

	sessions.SetOnSessionCreated(func(id string) {
		log.Info().Str("session", id).Msg("Session created")
	})

	s.setupRoutes()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown. A graceful shutdown returns nil.
func (s *Service) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Service) Serve(ln net.Listener) error {
	s.sessions.Start()
	s.ready.Store(true)
	log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("qshield listening")

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes actor connections and destroys
// every session.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()

	err := s.server.Shutdown(ctx)
	s.sessions.ShutdownAll(ctx)
	s.broadcaster.Close()
	if jerr := s.journal.Close(); jerr != nil && err == nil {
		err = jerr
	}
	return err
}
