// Package provider defines the generation provider interface and shared types.
package provider

import (
	"context"
	"time"

	"github.com/abdhe/dreamina-proxy/pkg/job"
	"github.com/abdhe/dreamina-proxy/pkg/poller"
)

// Request represents a generation request to a provider.
type Request struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Ratio          string
	SampleStrength float64
	Seed           int64
	DurationMS     int

	// Images are references (URL, data URL or bare base64). For video
	// requests they are the first and end frames.
	Images []string
	Video  bool

	SessionToken string // Injected by the token pool
}

// JobKind returns the job kind this request submits as.
func (r Request) JobKind() job.Kind {
	switch {
	case r.Video || job.IsVideoModel(r.Model):
		return job.KindVideo
	case len(r.Images) > 0:
		return job.KindComposite
	default:
		return job.KindImage
	}
}

// Response represents a finished (or timed out) generation.
type Response struct {
	HistoryID string
	Kind      job.Kind
	Model     string
	Outcome   poller.Outcome
	Media     []string
	FailCode  string
	Attempts  int
	Elapsed   time.Duration
}

// StreamChunk represents a single event in a streaming generation.
type StreamChunk struct {
	HistoryID string
	Attempt   *poller.Attempt // Set on progress chunks
	Response  Response        // Set on the final chunk
	Done      bool
	Err       error // Non-nil if the job failed or the stream was cut short
}

// Provider is the interface that generation backends implement.
type Provider interface {
	// Name returns a human-readable identifier for this provider.
	Name() string

	// Generate submits a job and blocks until it reaches a terminal outcome.
	// A timed out job is returned without error; check Response.Outcome.
	Generate(ctx context.Context, req Request) (Response, error)

	// GenerateStream submits a job and returns a channel of progress chunks
	// ending with one Done chunk. Submission errors are returned directly.
	// The channel is closed when the job finishes or ctx is cancelled.
	GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
