package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/abdhe/dreamina-proxy/pkg/provider"
)

// streamChat answers a chat completion as server-sent events. The first
// poll is announced as content; later polls are SSE comments so clients
// keep the connection open without rendering them. The stream always ends
// with "data: [DONE]".
func streamChat(w http.ResponseWriter, r *http.Request, cfg ServerConfig, req provider.Request, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}

	chunks, err := cfg.Generator.GenerateStream(r.Context(), tokensFrom(r.Context()), req)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.NewString(),
		created: cfg.Now().Unix(),
		model:   model,
	}
	sw.delta(ChatOutput{Role: "assistant"}, nil)

	announced := false
	for c := range chunks {
		if !c.Done {
			if !announced {
				sw.delta(ChatOutput{Content: fmt.Sprintf("Generating, history id %s...\n\n", c.HistoryID)}, nil)
				announced = true
			} else if a := c.Attempt; a != nil {
				sw.comment(fmt.Sprintf("poll %d status=%d items=%d", a.Index+1, a.Status, a.ItemCount))
			}
			continue
		}

		if c.Err != nil {
			_, body := errorBody(c.Err)
			sw.data(ErrorResponse{Error: body})
		} else {
			sw.delta(ChatOutput{Content: chatContent(c.Response)}, nil)
			stop := "stop"
			sw.delta(ChatOutput{}, &stop)
		}
	}
	sw.done()
}

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	created int64
	model   string
}

func (s *sseWriter) data(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flusher.Flush()
}

func (s *sseWriter) delta(out ChatOutput, finish *string) {
	s.data(ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChatChoice{{Index: 0, Delta: &out, FinishReason: finish}},
	})
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
