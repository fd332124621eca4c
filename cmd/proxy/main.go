// Dreamina generation proxy: main entry point
//
// Configuration is read from the environment (and an optional .env file);
// see pkg/config for every key. The most common ones:
//
//	HTTP_PORT           OpenAI-compatible HTTP API and /metrics (default: 5200)
//	GRPC_PORT           gRPC server port (default: 50051)
//	LOG_LEVEL           debug, info, warn, error (default: info)
//	UPSTREAM_BASE_URL   job API base URL (default: https://jimeng.jianying.com)
//	MAX_RETRIES         per-call transport retries (default: 3)
//	POLL_MAX_ATTEMPTS   status polls for image jobs (default: 90)
//	RESUBMIT_RETRIES    whole-job resubmissions (default: 2)
//	REDIS_ADDR          upload URI cache; empty disables it
//
// Session tokens are not configured here. Callers send them per request as
// "Authorization: Bearer tok1,tok2".
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/abdhe/dreamina-proxy/pkg/api"
	"github.com/abdhe/dreamina-proxy/pkg/cache"
	"github.com/abdhe/dreamina-proxy/pkg/config"
	"github.com/abdhe/dreamina-proxy/pkg/job"
	"github.com/abdhe/dreamina-proxy/pkg/logging"
	"github.com/abdhe/dreamina-proxy/pkg/poller"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
	"github.com/abdhe/dreamina-proxy/pkg/proxy"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
	"github.com/abdhe/dreamina-proxy/pkg/upload"
	"github.com/abdhe/dreamina-proxy/pkg/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("Starting Dreamina generation proxy...")

	// -------------------------------------------------------------------------
	// Upstream client
	// -------------------------------------------------------------------------
	identity := upstream.NewIdentity()
	logger.Info().Str("web_id", identity.WebID).Msg("upstream identity created")

	var limiter *rate.Limiter
	if cfg.Upstream.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RPS), cfg.Upstream.Burst)
		logger.Info().Float64("rps", cfg.Upstream.RPS).Int("burst", cfg.Upstream.Burst).Msg("outbound rate limit enabled")
	}

	client := upstream.NewClient(identity, upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.RequestTimeout,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Upstream.MaxRetries,
			Delay:      cfg.Upstream.RetryDelay,
		},
		Limiter: limiter,
		Logger:  logger,
	})

	// -------------------------------------------------------------------------
	// Upload pipeline (+ optional Redis URI cache)
	// -------------------------------------------------------------------------
	var uriCache upload.URICache
	var redisCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		redisCache = cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Upload.CacheTTL)

		// Verify Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis connection failed, upload cache disabled")
			redisCache.Close()
			redisCache = nil
		} else {
			uriCache = redisCache
			logger.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Upload.CacheTTL).Msg("upload URI cache enabled")
		}
		cancel()
	}

	uploader := upload.New(client, upload.Config{
		ImageXBaseURL: cfg.Upload.ImageXBaseURL,
		StepTimeout:   cfg.Upload.StepTimeout,
		MaxBytes:      cfg.Upload.MaxBytes,
		Cache:         uriCache,
		Logger:        logger,
	})

	// -------------------------------------------------------------------------
	// Submission, polling, provider
	// -------------------------------------------------------------------------
	submitter := job.NewSubmitter(client, uploader, logger)

	pollCfg := poller.DefaultConfig()
	pollCfg.MaxAttempts = cfg.Poll.MaxAttempts
	pollCfg.FastDelay = cfg.Poll.FastDelay
	pollCfg.MaxDelay = cfg.Poll.MaxDelay
	imagePoller := poller.New(client, pollCfg, logger)
	videoPoller := imagePoller.WithMaxAttempts(cfg.Poll.VideoMaxAttempts)

	dreamina := provider.NewDreaminaProvider(submitter, imagePoller, videoPoller, logger)

	handler := proxy.NewHandler(proxy.Config{
		Provider: dreamina,
		Resubmit: resilience.RetryConfig{
			MaxRetries: cfg.Resubmit.Retries,
			Delay:      cfg.Resubmit.Delay,
		},
		Logger: logger,
	})

	// -------------------------------------------------------------------------
	// Start gRPC server
	// -------------------------------------------------------------------------
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(64*1024*1024), // inline images
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	proxy.RegisterGenerationServer(grpcServer, proxy.NewGRPCServer(handler))
	reflection.Register(grpcServer) // grpcurl list/describe; messages are google.protobuf.Struct

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen on gRPC port")
	}

	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal().Err(err).Msg("gRPC server error")
		}
	}()

	// -------------------------------------------------------------------------
	// Start HTTP server (API + /metrics)
	// -------------------------------------------------------------------------
	httpServer := api.NewServer(api.ServerConfig{
		Port:      cfg.HTTPPort,
		Generator: handler,
		Inspector: poller.NewInspector(client),
		Logger:    logging.WithComponent(logger, "api"),
		StartTime: time.Now(),
	})

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stopGRPC(shutdownCtx, grpcServer, logger)

	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			logger.Warn().Err(err).Msg("Redis close error")
		}
	}

	logger.Info().Msg("Dreamina generation proxy shut down successfully")
}

// stopGRPC drains in-flight calls, forcing a stop when ctx expires first.
// Streams that are mid-poll can otherwise hold shutdown for minutes.
func stopGRPC(ctx context.Context, s *grpc.Server, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("gRPC server stopped")
	case <-ctx.Done():
		s.Stop()
		logger.Warn().Msg("gRPC server stopped forcefully")
	}
}
