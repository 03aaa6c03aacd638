package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/thebtf/qshield/internal/auth"
	"github.com/thebtf/qshield/internal/registry"
	"github.com/thebtf/qshield/internal/server/docs"
)

type ctxKey int

const connectionKey ctxKey = iota

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.wsHandler.ServeHTTP)
	docs.SwaggerInfo.Version = s.version

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/api/docs/doc.json")))
		r.Get("/records/list", s.handleListRecords)
		r.Get("/records/search", s.handleSearchRecords)
		r.Get("/sessions", s.handleListSessions)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/events", s.handleEvents)
			r.Get("/state", s.handleState)
			r.Get("/transmissions", s.handleTransmissions)
			r.Get("/security/status", s.handleSecurityStatus)
			r.Get("/security/policy", s.handleSecurityPolicy)
			r.Get("/analytics/dashboard", s.handleAnalytics)
			r.Get("/key/history", s.handleKeyHistory)

			r.Group(func(r chi.Router) {
				r.Use(s.requireActor)
				r.Use(middleware.AllowContentType("application/json"))
				r.Post("/leave", s.handleLeave)
				r.Post("/qkd/generate", s.handleGenerateKey)
				r.Post("/records/encrypt", s.handleEncrypt)
				r.Post("/records/encrypt-batch", s.handleEncryptBatch)
				r.Post("/records/decrypt", s.handleDecrypt)
				r.Post("/attack/simulate", s.handleAttack)
				r.Post("/messages", s.handleSendMessage)
			})
			r.With(s.requireActor).Get("/messages", s.handleMessages)
		})
	})
}

// requestLogger logs each request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// requireActor checks the bearer actor token against the route's session
// and the live connection registry.
func (s *Service) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, auth.ErrInvalidToken)
			return
		}
		claims, err := s.tokens.Parse(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if claims.Session != chi.URLParam(r, "id") {
			writeError(w, auth.ErrInvalidToken)
			return
		}
		conn, err := s.actors.Authorize(claims.Session, claims.Connection)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), connectionKey, conn)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) registry.Connection {
	c, _ := ctx.Value(connectionKey).(registry.Connection)
	return c
}
