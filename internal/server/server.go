package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/syncbridge/sessionsync/internal/audit"
	"github.com/syncbridge/sessionsync/internal/poller"
	"github.com/syncbridge/sessionsync/internal/upstream"
	"github.com/syncbridge/sessionsync/internal/ws"
)

// Server bundles the dependencies of the HTTP surface: the stream endpoint,
// the thin CRUD forwarders, and the operator endpoints.
type Server struct {
	client      *upstream.Client
	poller      *poller.Poller
	hub         *ws.Hub
	broadcaster *ws.Broadcaster
	auditLog    *audit.Log // nil when auditing is disabled
	logger      *zap.Logger
}

func NewServer(client *upstream.Client, p *poller.Poller, hub *ws.Hub, broadcaster *ws.Broadcaster, auditLog *audit.Log, logger *zap.Logger) *Server {
	return &Server{
		client:      client,
		poller:      p,
		hub:         hub,
		broadcaster: broadcaster,
		auditLog:    auditLog,
		logger:      logger,
	}
}

func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/stream", s.hub.HandleStream)
		v1.Get("/stats", s.handleStats)
		v1.Get("/audit", s.handleAudit)
		v1.Get("/sessions", s.handleListSessions)
		v1.Get("/sessions/{id}", s.handleGetSession)
		v1.Delete("/sessions/{id}", s.handleDeleteSession)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskAccessToken(r.URL.RawQuery)),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskAccessToken masks the "access_token" parameter in a query string.
func maskAccessToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if token := values.Get("access_token"); token != "" {
		if len(token) > 4 {
			values.Set("access_token", token[:4]+"****")
		} else {
			values.Set("access_token", "****")
		}
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
