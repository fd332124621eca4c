// Package job builds generation jobs, stages their input images and submits
// them to the upstream, returning the history id used for polling.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/upload"
	"github.com/abdhe/dreamina-proxy/pkg/upstream"
)

const (
	generatePath = "/mweb/v1/aigc_draft/generate"

	DefaultWidth      = 1024
	DefaultHeight     = 1024
	DefaultDurationMS = 5000
	MaxReferences     = 4
)

var (
	ErrNoPrompt   = errors.New("job: prompt is required")
	ErrNoImages   = errors.New("job: composite job needs at least one reference image")
	ErrTooManyRef = errors.New("job: too many input images")
)

// Caller is the part of the upstream client Submitter needs.
type Caller interface {
	Call(ctx context.Context, method, path, sessionToken string, opts upstream.Options) (json.RawMessage, error)
}

// Uploader stages an input image and returns its URI.
type Uploader interface {
	Upload(ctx context.Context, src upload.Source, sessionToken string) (upload.Result, error)
}

// Request describes a job before its images are uploaded.
type Request struct {
	Kind           Kind
	Model          string
	Prompt         string
	NegativePrompt string
	// Width and Height select the output size. Ratio, when set, overrides
	// both with the render size for that ratio.
	Width, Height  int
	Ratio          string
	SampleStrength float64
	Seed           int64
	// DurationMS applies to video jobs only.
	DurationMS int
	// Images are reference images for composite jobs, or [first, end]
	// frames for video jobs. Images[0] is the primary image.
	Images []upload.Source
}

// Job is a submitted generation job.
type Job struct {
	SubmitID  string
	HistoryID string
	Kind      Kind
	Model     string
	Inputs    []string // uploaded image URIs
}

// Submitter submits jobs.
type Submitter struct {
	client   Caller
	uploader Uploader
	newID    func() string
	logger   zerolog.Logger
}

// NewSubmitter creates a Submitter. uploader may be nil if only text jobs
// are submitted.
func NewSubmitter(client Caller, uploader Uploader, logger zerolog.Logger) *Submitter {
	return &Submitter{
		client:   client,
		uploader: uploader,
		newID:    uuid.NewString,
		logger:   logger.With().Str("component", "job").Logger(),
	}
}

// Validate checks a request before any upload happens and fills defaults.
func (r *Request) Validate() error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.Prompt == "" && len(r.Images) == 0 {
		return apierror.Wrap(apierror.KindInvalidRequest, ErrNoPrompt, "prompt is required")
	}
	switch r.Kind {
	case KindComposite:
		if len(r.Images) == 0 {
			return apierror.Wrap(apierror.KindInvalidRequest, ErrNoImages, "no reference images")
		}
		if len(r.Images) > MaxReferences {
			return apierror.Wrap(apierror.KindInvalidRequest, ErrTooManyRef, "%d reference images, at most %d", len(r.Images), MaxReferences)
		}
	case KindVideo:
		if len(r.Images) > 2 {
			return apierror.Wrap(apierror.KindInvalidRequest, ErrTooManyRef, "%d frames, at most 2", len(r.Images))
		}
		if r.DurationMS <= 0 {
			r.DurationMS = DefaultDurationMS
		}
	case KindImage:
		if len(r.Images) > 0 {
			r.Kind = KindComposite
			return r.Validate()
		}
	default:
		return apierror.New(apierror.KindInvalidRequest, "unknown job kind %d", int(r.Kind))
	}

	if r.Ratio != "" {
		w, h, err := RatioSize(r.Ratio)
		if err != nil {
			return apierror.Wrap(apierror.KindInvalidRequest, err, "bad ratio %q", r.Ratio)
		}
		r.Width, r.Height = w, h
	}
	if r.Width <= 0 || r.Height <= 0 {
		r.Width, r.Height = DefaultWidth, DefaultHeight
	}
	return nil
}

// Submit uploads the request's images and submits the job. A failed upload
// of the primary image aborts before submission; failed uploads of other
// images are logged and those images are left out.
func (s *Submitter) Submit(ctx context.Context, sessionToken string, req Request) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}
	model := LookupModel(req.Model, req.Kind == KindVideo)

	uris, err := s.uploadImages(ctx, sessionToken, req.Images)
	if err != nil {
		return Job{}, err
	}

	p := draftParams{
		kind:           req.Kind,
		model:          model,
		prompt:         req.Prompt,
		negativePrompt: req.NegativePrompt,
		width:          req.Width,
		height:         req.Height,
		strength:       req.SampleStrength,
		seed:           req.Seed,
		durationMS:     req.DurationMS,
	}
	if req.Kind == KindVideo {
		if len(req.Images) > 0 {
			p.firstFrame = uris[0]
		}
		if len(req.Images) > 1 {
			p.endFrame = uris[1]
		}
	} else {
		p.imageURIs = compact(uris)
	}

	submitID := s.newID()
	body, params, err := draftBuilder{newID: s.newID}.generateBody(submitID, p)
	if err != nil {
		return Job{}, fmt.Errorf("job: build draft: %w", err)
	}

	data, err := s.client.Call(ctx, http.MethodPost, generatePath, sessionToken, upstream.Options{
		Params: params,
		Body:   body,
	})
	if err != nil {
		return Job{}, fmt.Errorf("job: submit: %w", err)
	}

	historyID, err := parseHistoryID(data)
	if err != nil {
		return Job{}, err
	}
	s.logger.Info().Str("history_id", historyID).Str("kind", req.Kind.String()).
		Str("model", model.Name).Int("images", len(compact(uris))).Msg("job submitted")

	return Job{
		SubmitID:  submitID,
		HistoryID: historyID,
		Kind:      req.Kind,
		Model:     model.Name,
		Inputs:    compact(uris),
	}, nil
}

// uploadImages uploads every image in order. The result is positional: a
// soft failure leaves an empty string at that index.
func (s *Submitter) uploadImages(ctx context.Context, sessionToken string, images []upload.Source) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if s.uploader == nil {
		return nil, apierror.New(apierror.KindResourceFailure, "no uploader configured for image inputs")
	}

	uris := make([]string, len(images))
	for i, src := range images {
		res, err := s.uploader.Upload(ctx, src, sessionToken)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("job: upload primary image: %w", err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn().Err(err).Int("index", i).Msg("secondary image upload failed, continuing without it")
			continue
		}
		uris[i] = res.ImageURI
	}
	return uris, nil
}

func parseHistoryID(data json.RawMessage) (string, error) {
	var resp struct {
		AigcData struct {
			HistoryRecordID json.RawMessage `json:"history_record_id"`
		} `json:"aigc_data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", apierror.UpstreamLogic(data, "decode submit response: %v", err)
	}
	id := strings.Trim(string(resp.AigcData.HistoryRecordID), `"`)
	if id == "" || id == "null" {
		return "", apierror.UpstreamLogic(data, "submit response has no history_record_id")
	}
	return id, nil
}

func compact(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}
