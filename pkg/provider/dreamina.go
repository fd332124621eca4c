package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/job"
	"github.com/abdhe/dreamina-proxy/pkg/poller"
	"github.com/abdhe/dreamina-proxy/pkg/upload"
)

// Submitter submits a job and returns its history id.
type Submitter interface {
	Submit(ctx context.Context, sessionToken string, req job.Request) (job.Job, error)
}

// Poller turns a history id into a terminal result.
type Poller interface {
	Poll(ctx context.Context, historyID, sessionToken string) (poller.Result, error)
	Watch(ctx context.Context, historyID, sessionToken string) <-chan poller.Event
}

// DreaminaProvider implements the Provider interface on top of the upstream
// draft-generate and history APIs.
type DreaminaProvider struct {
	submitter Submitter
	images    Poller
	videos    Poller
	logger    zerolog.Logger
}

// NewDreaminaProvider creates a provider. videos polls video jobs, which run
// much longer than image jobs; if nil, images is used for both.
func NewDreaminaProvider(submitter Submitter, images, videos Poller, logger zerolog.Logger) *DreaminaProvider {
	if videos == nil {
		videos = images
	}
	return &DreaminaProvider{
		submitter: submitter,
		images:    images,
		videos:    videos,
		logger:    logger.With().Str("component", "dreamina").Logger(),
	}
}

func (d *DreaminaProvider) Name() string { return "dreamina" }

// ---------------------------------------------------------------------------
// Generate: submit, then poll to a terminal outcome
// ---------------------------------------------------------------------------

func (d *DreaminaProvider) Generate(ctx context.Context, req Request) (Response, error) {
	j, err := d.submit(ctx, req)
	if err != nil {
		return Response{Kind: req.JobKind()}, err
	}

	res, err := d.pollerFor(j.Kind).Poll(ctx, j.HistoryID, req.SessionToken)
	if err != nil {
		return Response{HistoryID: j.HistoryID, Kind: j.Kind, Model: j.Model}, fmt.Errorf("dreamina: poll: %w", err)
	}

	resp := newResponse(j, res)
	d.logger.Info().
		Str("history_id", j.HistoryID).
		Str("outcome", res.Outcome.String()).
		Int("media", len(res.Media)).
		Int("attempts", res.Attempts).
		Msg("job finished")
	return resp, res.Err()
}

// ---------------------------------------------------------------------------
// GenerateStream: submit, then forward poll progress
// ---------------------------------------------------------------------------

func (d *DreaminaProvider) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	j, err := d.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	events := d.pollerFor(j.Kind).Watch(ctx, j.HistoryID, req.SessionToken)
	ch := make(chan StreamChunk, 1)

	go func() {
		defer close(ch)

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for ev := range events {
			switch ev.Type {
			case poller.EventProgress:
				a := ev.Attempt
				if !send(StreamChunk{HistoryID: j.HistoryID, Attempt: &a}) {
					return
				}
			case poller.EventTerminal:
				resp := newResponse(j, ev.Result)
				err := ev.Err
				if err != nil {
					err = fmt.Errorf("dreamina: poll: %w", err)
				} else {
					err = ev.Result.Err()
				}
				send(StreamChunk{HistoryID: j.HistoryID, Response: resp, Done: true, Err: err})
				return
			}
		}

		// Watch closed without a terminal event. The final chunk always
		// carries an error so it cannot pass for a successful job.
		err := ctx.Err()
		if err == nil {
			err = apierror.UpstreamLogic(nil, "poll stream ended without a terminal event").WithHistoryID(j.HistoryID)
		}
		send(StreamChunk{HistoryID: j.HistoryID, Done: true, Err: fmt.Errorf("dreamina: poll: %w", err)})
	}()

	return ch, nil
}

func (d *DreaminaProvider) submit(ctx context.Context, req Request) (job.Job, error) {
	jr, err := toJobRequest(req)
	if err != nil {
		return job.Job{}, err
	}
	j, err := d.submitter.Submit(ctx, req.SessionToken, jr)
	if err != nil {
		return job.Job{}, fmt.Errorf("dreamina: submit: %w", err)
	}
	d.logger.Debug().
		Str("history_id", j.HistoryID).
		Str("kind", j.Kind.String()).
		Str("model", j.Model).
		Msg("job submitted")
	return j, nil
}

func (d *DreaminaProvider) pollerFor(kind job.Kind) Poller {
	if kind == job.KindVideo {
		return d.videos
	}
	return d.images
}

func toJobRequest(req Request) (job.Request, error) {
	jr := job.Request{
		Kind:           req.JobKind(),
		Model:          req.Model,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Ratio:          req.Ratio,
		SampleStrength: req.SampleStrength,
		Seed:           req.Seed,
		DurationMS:     req.DurationMS,
	}
	for i, ref := range req.Images {
		src, err := upload.ParseSource(ref)
		if err != nil {
			return job.Request{}, fmt.Errorf("dreamina: image %d: %w", i, err)
		}
		jr.Images = append(jr.Images, src)
	}
	return jr, nil
}

func newResponse(j job.Job, res poller.Result) Response {
	return Response{
		HistoryID: j.HistoryID,
		Kind:      j.Kind,
		Model:     j.Model,
		Outcome:   res.Outcome,
		Media:     res.Media,
		FailCode:  res.FailCode,
		Attempts:  res.Attempts,
		Elapsed:   res.Elapsed,
	}
}
