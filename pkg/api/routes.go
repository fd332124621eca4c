package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdhe/dreamina-proxy/pkg/job"
	"github.com/abdhe/dreamina-proxy/pkg/poller"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
)

const defaultMaxBodyBytes = 128 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = cfg.Now()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/healthz", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/v1/models", modelsHandler())

	r.Group(func(r chi.Router) {
		r.Use(TokenMiddleware())

		r.Post("/v1/images/generations", imageGenerationHandler(cfg))
		r.Post("/v1/videos/generations", videoGenerationHandler(cfg))
		r.Post("/v1/chat/completions", chatCompletionHandler(cfg))
		if cfg.Inspector != nil {
			r.Get("/v1/generations/{historyID}/raw", rawRecordHandler(cfg))
		}
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			UptimeSeconds: int64(cfg.Now().Sub(cfg.StartTime).Seconds()),
		})
	}
}

func modelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := ModelList{Object: "list"}
		for _, m := range job.Models() {
			typ := "image"
			if m.Video {
				typ = "video"
			}
			list.Data = append(list.Data, ModelObject{ID: m.Name, Object: "model", OwnedBy: "dreamina", Type: typ})
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

func imageGenerationHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImageGenerationRequest
		if !decodeBody(w, r, cfg.MaxBodyBytes, &req) {
			return
		}
		if req.ResponseFormat != "" && req.ResponseFormat != "url" {
			WriteError(w, http.StatusBadRequest, "only response_format \"url\" is supported", "invalid_request")
			return
		}
		if job.IsVideoModel(req.Model) {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("model %q is a video model", req.Model), "invalid_request")
			return
		}

		width, height := req.Width, req.Height
		if req.Size != "" {
			var err error
			if width, height, err = parseSize(req.Size); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request")
				return
			}
		}

		resp, err := cfg.Generator.Generate(r.Context(), tokensFrom(r.Context()), provider.Request{
			Model:          req.Model,
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          width,
			Height:         height,
			Ratio:          req.Ratio,
			SampleStrength: req.SampleStrength,
			Seed:           req.Seed,
			Images:         req.Images,
		})
		if err != nil {
			WriteAPIError(w, err)
			return
		}
		writeGeneration(w, cfg, resp)
	}
}

func videoGenerationHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VideoGenerationRequest
		if !decodeBody(w, r, cfg.MaxBodyBytes, &req) {
			return
		}

		resp, err := cfg.Generator.Generate(r.Context(), tokensFrom(r.Context()), provider.Request{
			Model:          req.Model,
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			Ratio:          req.Ratio,
			Seed:           req.Seed,
			DurationMS:     req.DurationMS,
			Images:         req.frames(),
			Video:          true,
		})
		if err != nil {
			WriteAPIError(w, err)
			return
		}
		writeGeneration(w, cfg, resp)
	}
}

// writeGeneration answers 200 with the media URLs, or 202 with the history
// id when polling gave up before the job finished.
func writeGeneration(w http.ResponseWriter, cfg ServerConfig, resp provider.Response) {
	out := GenerationResponse{
		Created:   cfg.Now().Unix(),
		Data:      []MediaData{},
		HistoryID: resp.HistoryID,
		Status:    resp.Outcome.String(),
	}
	for _, u := range resp.Media {
		out.Data = append(out.Data, MediaData{URL: u})
	}
	status := http.StatusOK
	if resp.Outcome == poller.OutcomeTimedOut {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, out)
}

func chatCompletionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		if !decodeBody(w, r, cfg.MaxBodyBytes, &req) {
			return
		}
		msg, ok := req.lastUserMessage()
		if !ok {
			WriteError(w, http.StatusBadRequest, "no user message", "invalid_request")
			return
		}
		text, images, err := msg.parts()
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request")
			return
		}

		preq := provider.Request{Model: req.Model, Prompt: text, Images: images}
		model := req.Model
		if model == "" {
			model = job.LookupModel("", preq.JobKind() == job.KindVideo).Name
		}

		if req.Stream {
			streamChat(w, r, cfg, preq, model)
			return
		}

		resp, err := cfg.Generator.Generate(r.Context(), tokensFrom(r.Context()), preq)
		if err != nil {
			WriteAPIError(w, err)
			return
		}

		stop := "stop"
		WriteJSON(w, http.StatusOK, ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: cfg.Now().Unix(),
			Model:   model,
			Choices: []ChatChoice{{
				Index:        0,
				Message:      &ChatOutput{Role: "assistant", Content: chatContent(resp)},
				FinishReason: &stop,
			}},
			HistoryID: resp.HistoryID,
		})
	}
}

// chatContent renders a generation as markdown links, one per line.
func chatContent(resp provider.Response) string {
	if resp.Outcome == poller.OutcomeTimedOut {
		return fmt.Sprintf("Generation is still running after %d polls. History id: %s", resp.Attempts, resp.HistoryID)
	}
	var b strings.Builder
	for i, u := range resp.Media {
		if resp.Kind == job.KindVideo {
			fmt.Fprintf(&b, "[video_%d](%s)\n", i, u)
		} else {
			fmt.Fprintf(&b, "![image_%d](%s)\n", i, u)
		}
	}
	return b.String()
}

// rawRecordHandler relays the upstream status record for a history id
// unparsed. ?shape=record_ids selects the alternate query form.
func rawRecordHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shape := poller.ShapeHistoryIDs
		switch r.URL.Query().Get("shape") {
		case "", "history_ids":
		case "record_ids", "history_record_ids":
			shape = poller.ShapeRecordIDs
		default:
			WriteError(w, http.StatusBadRequest, "shape must be history_ids or record_ids", "invalid_request")
			return
		}

		// TokenMiddleware on the route group guarantees at least one token.
		tokens := tokensFrom(r.Context())
		if len(tokens) == 0 {
			WriteError(w, http.StatusUnauthorized, "no session token supplied", "authentication")
			return
		}

		resp, err := cfg.Inspector.Raw(r.Context(), chi.URLParam(r, "historyID"), tokens[0], shape)
		if err != nil {
			WriteAPIError(w, err)
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			cfg.Logger.Warn().Err(err).Msg("raw record relay interrupted")
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request")
			return false
		}
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request")
		return false
	}
	return true
}

// parseSize reads "WIDTHxHEIGHT".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WIDTHxHEIGHT", s)
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(ws))
	h, err2 := strconv.Atoi(strings.TrimSpace(hs))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("size %q is not WIDTHxHEIGHT", s)
	}
	return w, h, nil
}
