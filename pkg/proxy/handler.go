// Package proxy orchestrates generation requests: it picks session tokens,
// resubmits failed jobs within a fixed bound, and records job metrics. The
// gRPC service in this package and the HTTP API in pkg/api both call it.
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/logging"
	"github.com/abdhe/dreamina-proxy/pkg/metrics"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
)

// ErrNoTokens is returned when a request carries no session token.
var ErrNoTokens = errors.New("proxy: no session token supplied")

// Handler runs generation requests against a provider.
type Handler struct {
	provider provider.Provider
	resubmit resilience.RetryConfig
	logger   zerolog.Logger
}

// Config holds the handler configuration.
type Config struct {
	Provider provider.Provider
	// Resubmit bounds whole-job resubmission. Only transient failures that
	// happened before the upstream assigned a history id are resubmitted,
	// each time with the caller's next session token.
	Resubmit resilience.RetryConfig
	Logger   zerolog.Logger
}

// DefaultResubmit is two extra tries, three seconds apart.
func DefaultResubmit() resilience.RetryConfig {
	return resilience.RetryConfig{MaxRetries: 2, Delay: 3 * time.Second}
}

// NewHandler creates a new proxy handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		provider: cfg.Provider,
		resubmit: cfg.Resubmit,
		logger:   logging.WithComponent(cfg.Logger, "proxy"),
	}
}

// Generate runs a request to its terminal outcome.
func (h *Handler) Generate(ctx context.Context, tokens []string, req provider.Request) (provider.Response, error) {
	start := time.Now()
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	kp := resilience.NewKeyPool(tokens)
	if kp.Size() == 0 {
		return provider.Response{}, apierror.Wrap(apierror.KindAuthentication, ErrNoTokens, "no session token supplied")
	}

	var resp provider.Response
	err := resilience.RetryIf(ctx, h.retryConfig(), resubmittable, func(ctx context.Context, attempt int) error {
		token, err := kp.Next()
		if err != nil {
			return apierror.Wrap(apierror.KindAuthentication, err, "no usable session token")
		}
		req.SessionToken = token

		r, err := h.provider.Generate(ctx, req)
		resp = r
		return err
	})

	h.record(req, resp, err, time.Since(start))
	return resp, err
}

// GenerateStream submits a request and streams its progress. Resubmission
// covers the submission only; once the stream starts the job is not
// repeated.
func (h *Handler) GenerateStream(ctx context.Context, tokens []string, req provider.Request) (<-chan provider.StreamChunk, error) {
	start := time.Now()

	kp := resilience.NewKeyPool(tokens)
	if kp.Size() == 0 {
		return nil, apierror.Wrap(apierror.KindAuthentication, ErrNoTokens, "no session token supplied")
	}

	var chunks <-chan provider.StreamChunk
	err := resilience.RetryIf(ctx, h.retryConfig(), resubmittable, func(ctx context.Context, attempt int) error {
		token, err := kp.Next()
		if err != nil {
			return apierror.Wrap(apierror.KindAuthentication, err, "no usable session token")
		}
		req.SessionToken = token

		c, err := h.provider.GenerateStream(ctx, req)
		if err != nil {
			return err
		}
		chunks = c
		return nil
	})
	if err != nil {
		h.record(req, provider.Response{}, err, time.Since(start))
		return nil, err
	}

	metrics.ActiveJobs.Inc()
	out := make(chan provider.StreamChunk, 1)
	go func() {
		defer close(out)
		defer metrics.ActiveJobs.Dec()

		for c := range chunks {
			if c.Done {
				h.record(req, c.Response, c.Err, time.Since(start))
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// The provider stops on the same ctx; drain so it can exit.
				for range chunks {
				}
				return
			}
		}
	}()
	return out, nil
}

func (h *Handler) retryConfig() resilience.RetryConfig {
	cfg := h.resubmit
	cfg.OnRetry = func(attempt int, err error) {
		reason := apierror.KindOf(err).String()
		metrics.ResubmissionsTotal.WithLabelValues(reason).Inc()
		h.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("reason", reason).
			Dur("delay", cfg.Delay).
			Msg("resubmitting job")
	}
	return cfg
}

// resubmittable allows another try only for transient failures of a job
// the upstream never accepted. Once a history id exists the job is running
// upstream and submitting it again would spend quota twice. Authentication
// and every other kind are surfaced as they are.
func resubmittable(err error) bool {
	apiErr, ok := apierror.As(err)
	if !ok {
		return false
	}
	return apiErr.Kind == apierror.KindTransient && apiErr.HistoryID == ""
}

func (h *Handler) record(req provider.Request, resp provider.Response, err error, elapsed time.Duration) {
	kind := req.JobKind().String()
	outcome := outcomeLabel(resp, err)
	metrics.RecordJob(kind, outcome, elapsed.Seconds())

	ev := h.logger.Info()
	if err != nil {
		ev = h.logger.Error().Err(err)
	}
	ev.Str("kind", kind).
		Str("model", req.Model).
		Str("history_id", resp.HistoryID).
		Str("outcome", outcome).
		Dur("elapsed", elapsed).
		Msg("generation finished")
}

func outcomeLabel(resp provider.Response, err error) string {
	if err == nil {
		return resp.Outcome.String()
	}
	switch apierror.KindOf(err) {
	case apierror.KindContentPolicy:
		return "content_filtered"
	case apierror.KindGenerationFailed:
		return "failed"
	default:
		return "error"
	}
}
