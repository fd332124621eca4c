package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/job"
	"github.com/abdhe/dreamina-proxy/pkg/poller"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
)

type fakeGenerator struct {
	tokens    []string
	req       provider.Request
	resp      provider.Response
	err       error
	streamErr error
	chunks    []provider.StreamChunk
}

func (g *fakeGenerator) Generate(ctx context.Context, tokens []string, req provider.Request) (provider.Response, error) {
	g.tokens, g.req = tokens, req
	return g.resp, g.err
}

func (g *fakeGenerator) GenerateStream(ctx context.Context, tokens []string, req provider.Request) (<-chan provider.StreamChunk, error) {
	g.tokens, g.req = tokens, req
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	ch := make(chan provider.StreamChunk, len(g.chunks))
	for _, c := range g.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func testRouter(g Generator) http.Handler {
	return NewRouter(ServerConfig{
		Generator: g,
		Logger:    zerolog.Nop(),
		StartTime: fixedNow.Add(-time.Minute),
		Now:       func() time.Time { return fixedNow },
	})
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

var imageDone = provider.Response{
	HistoryID: "h-1",
	Kind:      job.KindImage,
	Outcome:   poller.OutcomeSucceeded,
	Media:     []string{"https://i/1.png", "https://i/2.png"},
}

func TestHealthz(t *testing.T) {
	rr := do(t, testRouter(&fakeGenerator{}), http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body HealthResponse
	decodeJSONBody(t, rr, &body)
	if body.Status != "ok" || body.UptimeSeconds != 60 {
		t.Errorf("body = %+v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestModels(t *testing.T) {
	rr := do(t, testRouter(&fakeGenerator{}), http.MethodGet, "/v1/models", "", "")
	var list ModelList
	decodeJSONBody(t, rr, &list)
	if len(list.Data) != len(job.Models()) {
		t.Fatalf("models = %d", len(list.Data))
	}
	types := map[string]string{}
	for _, m := range list.Data {
		types[m.ID] = m.Type
	}
	if types["jimeng-3.0"] != "image" || types["jimeng-video-3.0"] != "video" {
		t.Errorf("types = %v", types)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := do(t, testRouter(&fakeGenerator{}), http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestImageGeneration_RequiresToken(t *testing.T) {
	g := &fakeGenerator{resp: imageDone}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/images/generations", "", `{"prompt":"x"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	rr = do(t, testRouter(g), http.MethodPost, "/v1/images/generations", " , ", `{"prompt":"x"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("blank tokens status = %d", rr.Code)
	}
}

func TestImageGeneration_OK(t *testing.T) {
	g := &fakeGenerator{resp: imageDone}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/images/generations", "tok-a,tok-b",
		`{"model":"jimeng-2.1","prompt":"a fox","size":"1920x1080","response_format":"url"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var body GenerationResponse
	decodeJSONBody(t, rr, &body)
	if len(body.Data) != 2 || body.Data[0].URL != "https://i/1.png" || body.Status != "succeeded" {
		t.Errorf("body = %+v", body)
	}
	if body.Created != fixedNow.Unix() {
		t.Errorf("created = %d", body.Created)
	}
	if len(g.tokens) != 2 || g.tokens[1] != "tok-b" {
		t.Errorf("tokens = %v", g.tokens)
	}
	if g.req.Width != 1920 || g.req.Height != 1080 || g.req.Model != "jimeng-2.1" || g.req.Video {
		t.Errorf("req = %+v", g.req)
	}
}

func TestImageGeneration_TimedOutIsAccepted(t *testing.T) {
	g := &fakeGenerator{resp: provider.Response{HistoryID: "h-slow", Outcome: poller.OutcomeTimedOut}}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/images/generations", "tok", `{"prompt":"x"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	var body GenerationResponse
	decodeJSONBody(t, rr, &body)
	if body.HistoryID != "h-slow" || body.Status != "timed_out" || body.Data == nil || len(body.Data) != 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestImageGeneration_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"content policy", apierror.New(apierror.KindContentPolicy, "blocked").WithHistoryID("h-2"), http.StatusUnprocessableEntity, "content_policy"},
		{"auth", apierror.New(apierror.KindAuthentication, "login"), http.StatusUnauthorized, "authentication"},
		{"credits", apierror.New(apierror.KindInsufficientCredits, "empty"), http.StatusPaymentRequired, "insufficient_credits"},
		{"upstream logic", apierror.UpstreamLogic([]byte(`{"odd":1}`), "no history id"), http.StatusBadGateway, "upstream_logic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGenerator{err: tt.err}
			rr := do(t, testRouter(g), http.MethodPost, "/v1/images/generations", "tok", `{"prompt":"x"}`)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			var body ErrorResponse
			decodeJSONBody(t, rr, &body)
			if body.Error.Type != tt.typ {
				t.Errorf("type = %s", body.Error.Type)
			}
			if apiErr, _ := apierror.As(tt.err); apiErr.HistoryID != body.Error.HistoryID {
				t.Errorf("history_id = %q", body.Error.HistoryID)
			}
			if apiErr, _ := apierror.As(tt.err); apiErr.Kind == apierror.KindUpstreamLogic && !strings.Contains(body.Error.Message, `{"odd":1}`) {
				t.Errorf("raw fragment missing from %q", body.Error.Message)
			}
		})
	}
}

func TestImageGeneration_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"prompt":`},
		{"video model", `{"model":"jimeng-video-3.0","prompt":"x"}`},
		{"bad size", `{"prompt":"x","size":"big"}`},
		{"b64 format", `{"prompt":"x","response_format":"b64_json"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGenerator{resp: imageDone}
			rr := do(t, testRouter(g), http.MethodPost, "/v1/images/generations", "tok", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			if g.tokens != nil {
				t.Error("generator should not be called")
			}
		})
	}
}

func TestImageGeneration_BodyTooLarge(t *testing.T) {
	h := NewRouter(ServerConfig{Generator: &fakeGenerator{}, Logger: zerolog.Nop(), MaxBodyBytes: 16})
	rr := do(t, h, http.MethodPost, "/v1/images/generations", "tok", `{"prompt":"`+strings.Repeat("x", 64)+`"}`)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestVideoGeneration_Frames(t *testing.T) {
	g := &fakeGenerator{resp: provider.Response{HistoryID: "h-v", Kind: job.KindVideo, Outcome: poller.OutcomeSucceeded, Media: []string{"https://v/1.mp4"}}}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/videos/generations", "tok",
		`{"prompt":"waves","first_frame_image":"https://a/first.png","end_frame_image":"https://a/end.png","duration_ms":10000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !g.req.Video || g.req.DurationMS != 10000 {
		t.Errorf("req = %+v", g.req)
	}
	if len(g.req.Images) != 2 || g.req.Images[0] != "https://a/first.png" || g.req.Images[1] != "https://a/end.png" {
		t.Errorf("frames = %v", g.req.Images)
	}
}

func TestChatCompletion_NonStream(t *testing.T) {
	g := &fakeGenerator{resp: imageDone}
	body := `{"model":"jimeng-3.0","messages":[
		{"role":"user","content":"ignored"},
		{"role":"assistant","content":"ok"},
		{"role":"user","content":[{"type":"text","text":"merge these"},{"type":"image_url","image_url":{"url":"https://a/ref.png"}}]}
	]}`
	rr := do(t, testRouter(g), http.MethodPost, "/v1/chat/completions", "tok", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if g.req.Prompt != "merge these" || len(g.req.Images) != 1 || g.req.Images[0] != "https://a/ref.png" {
		t.Errorf("req = %+v", g.req)
	}

	var resp ChatCompletionResponse
	decodeJSONBody(t, rr, &resp)
	if resp.Object != "chat.completion" || len(resp.Choices) != 1 || resp.HistoryID != "h-1" {
		t.Fatalf("resp = %+v", resp)
	}
	content := resp.Choices[0].Message.Content
	if !strings.Contains(content, "![image_0](https://i/1.png)") || !strings.Contains(content, "![image_1](https://i/2.png)") {
		t.Errorf("content = %q", content)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
		t.Error("finish_reason should be stop")
	}
}

func TestChatCompletion_NoUserMessage(t *testing.T) {
	g := &fakeGenerator{resp: imageDone}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/chat/completions", "tok", `{"messages":[{"role":"system","content":"hi"}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestChatCompletion_DefaultModelName(t *testing.T) {
	g := &fakeGenerator{resp: imageDone}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/chat/completions", "tok", `{"messages":[{"role":"user","content":"x"}]}`)
	var resp ChatCompletionResponse
	decodeJSONBody(t, rr, &resp)
	if resp.Model != job.DefaultImageModel {
		t.Errorf("model = %s", resp.Model)
	}
}

// sseEvents splits an SSE body into its data payloads and comments.
func sseEvents(body string) (data, comments []string) {
	for _, block := range strings.Split(body, "\n\n") {
		switch {
		case strings.HasPrefix(block, "data: "):
			data = append(data, strings.TrimPrefix(block, "data: "))
		case strings.HasPrefix(block, ": "):
			comments = append(comments, strings.TrimPrefix(block, ": "))
		}
	}
	return data, comments
}

func TestChatCompletion_Stream(t *testing.T) {
	g := &fakeGenerator{chunks: []provider.StreamChunk{
		{HistoryID: "h-1", Attempt: &poller.Attempt{Index: 0, Status: 20}},
		{HistoryID: "h-1", Attempt: &poller.Attempt{Index: 1, Status: 20}},
		{HistoryID: "h-1", Attempt: &poller.Attempt{Index: 2, Status: 20}},
		{HistoryID: "h-1", Done: true, Response: imageDone},
	}}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/chat/completions", "tok",
		`{"stream":true,"messages":[{"role":"user","content":"a fox"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %s", ct)
	}
	if !strings.HasSuffix(rr.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated: %q", rr.Body.String())
	}

	data, comments := sseEvents(rr.Body.String())
	// role, announcement, media, finish, [DONE]
	if len(data) != 5 {
		t.Fatalf("data events = %d: %v", len(data), data)
	}
	if len(comments) != 2 || !strings.HasPrefix(comments[0], "poll 2") {
		t.Errorf("comments = %v", comments)
	}

	var chunks []ChatCompletionChunk
	for _, d := range data[:4] {
		var c ChatCompletionChunk
		if err := json.Unmarshal([]byte(d), &c); err != nil {
			t.Fatalf("decode %q: %v", d, err)
		}
		if c.Object != "chat.completion.chunk" {
			t.Errorf("object = %s", c.Object)
		}
		chunks = append(chunks, c)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Error("first chunk should carry the role")
	}
	if !strings.Contains(chunks[1].Choices[0].Delta.Content, "h-1") {
		t.Errorf("announcement = %q", chunks[1].Choices[0].Delta.Content)
	}
	if !strings.Contains(chunks[2].Choices[0].Delta.Content, "https://i/1.png") {
		t.Errorf("media chunk = %q", chunks[2].Choices[0].Delta.Content)
	}
	if fr := chunks[3].Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Error("last chunk should finish with stop")
	}
}

func TestChatCompletion_StreamFailure(t *testing.T) {
	g := &fakeGenerator{chunks: []provider.StreamChunk{
		{HistoryID: "h-1", Done: true, Err: apierror.New(apierror.KindContentPolicy, "blocked").WithHistoryID("h-1")},
	}}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/chat/completions", "tok",
		`{"stream":true,"messages":[{"role":"user","content":"x"}]}`)

	data, _ := sseEvents(rr.Body.String())
	if len(data) != 3 || data[2] != "[DONE]" {
		t.Fatalf("data = %v", data)
	}
	var errBody ErrorResponse
	if err := json.Unmarshal([]byte(data[1]), &errBody); err != nil {
		t.Fatal(err)
	}
	if errBody.Error.Type != "content_policy" || errBody.Error.HistoryID != "h-1" {
		t.Errorf("error event = %+v", errBody)
	}
}

func TestChatCompletion_StreamSubmitErrorIsJSON(t *testing.T) {
	g := &fakeGenerator{streamErr: apierror.New(apierror.KindInsufficientCredits, "no credits")}
	rr := do(t, testRouter(g), http.MethodPost, "/v1/chat/completions", "tok",
		`{"stream":true,"messages":[{"role":"user","content":"x"}]}`)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s", ct)
	}
}

func TestParseSize(t *testing.T) {
	if w, h, err := parseSize("1024x768"); err != nil || w != 1024 || h != 768 {
		t.Errorf("1024x768 -> %d %d %v", w, h, err)
	}
	for _, bad := range []string{"", "1024", "0x10", "ax b"} {
		if _, _, err := parseSize(bad); err == nil {
			t.Errorf("parseSize(%q) should fail", bad)
		}
	}
}

type fakeInspector struct {
	id, token string
	shape     poller.Shape
	err       error
}

func (f *fakeInspector) Raw(ctx context.Context, historyID, token string, shape poller.Shape) (*http.Response, error) {
	f.id, f.token, f.shape = historyID, token, shape
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"ret":"0","data":{}}`)),
	}, nil
}

func TestRawRecord(t *testing.T) {
	insp := &fakeInspector{}
	h := NewRouter(ServerConfig{Generator: &fakeGenerator{}, Inspector: insp, Logger: zerolog.Nop()})

	rr := do(t, h, http.MethodGet, "/v1/generations/h-9/raw?shape=record_ids", "tok1,tok2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != `{"ret":"0","data":{}}` {
		t.Errorf("body = %s", rr.Body.String())
	}
	if insp.id != "h-9" || insp.token != "tok1" || insp.shape != poller.ShapeRecordIDs {
		t.Errorf("inspector got %+v", insp)
	}

	if rr := do(t, h, http.MethodGet, "/v1/generations/h-9/raw?shape=bogus", "tok", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad shape status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/generations/h-9/raw", "", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", rr.Code)
	}

	insp.err = apierror.Transient(502, "", nil)
	if rr := do(t, h, http.MethodGet, "/v1/generations/h-9/raw", "tok", ""); rr.Code != apierror.Transient(502, "", nil).HTTPStatus() {
		t.Errorf("error status = %d", rr.Code)
	}
}

func TestRawRecord_NotMountedWithoutInspector(t *testing.T) {
	rr := do(t, testRouter(&fakeGenerator{}), http.MethodGet, "/v1/generations/h-9/raw", "tok", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRawRecord_HandlerWithoutTokens(t *testing.T) {
	insp := &fakeInspector{}
	h := rawRecordHandler(ServerConfig{Inspector: insp, Logger: zerolog.Nop()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/generations/h-9/raw", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if insp.id != "" {
		t.Error("inspector should not be called")
	}
}
