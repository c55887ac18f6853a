package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"solarchat/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// liveStatus reports the live channel state for the health endpoint
type liveStatus interface {
	LiveConnected() bool
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	live   liveStatus
	server *http.Server
}

func NewServer(addr string, live liveStatus, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		live:   live,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting health server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := s.live.LiveConnected()
		status := "ok"
		code := http.StatusOK
		if !connected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         status,
			"live_connected": connected,
		}); err != nil {
			s.logger.WithError(err).Error("Failed to encode health response")
		}
	}
}
