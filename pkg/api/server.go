// Package api serves the OpenAI-compatible HTTP surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/poller"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
)

// Generator runs generation requests with caller supplied session tokens.
// *proxy.Handler implements it.
type Generator interface {
	Generate(ctx context.Context, tokens []string, req provider.Request) (provider.Response, error)
	GenerateStream(ctx context.Context, tokens []string, req provider.Request) (<-chan provider.StreamChunk, error)
}

// RecordInspector returns a job's undecoded upstream status record.
// *poller.Inspector implements it.
type RecordInspector interface {
	Raw(ctx context.Context, historyID, sessionToken string, shape poller.Shape) (*http.Response, error)
}

type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

type ServerConfig struct {
	Port      string
	Generator Generator
	// Inspector enables GET /v1/generations/{historyID}/raw when set.
	Inspector RecordInspector
	Logger    zerolog.Logger
	StartTime time.Time
	// MaxBodyBytes bounds request bodies, which may carry inline images.
	MaxBodyBytes int64
	// Now stamps response "created" fields; defaults to time.Now.
	Now func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			// Generations block for minutes; no write timeout.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
