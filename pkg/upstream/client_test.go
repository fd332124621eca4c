package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
)

var fixedNow = time.Unix(1700000000, 0)

func testIdentity() Identity {
	return Identity{DeviceID: "7000000000000000001", WebID: "7000000000000000002", UserID: "abc123"}
}

func newTestClient(url string, maxRetries int, timeout time.Duration) *Client {
	return NewClient(testIdentity(), Config{
		BaseURL: url,
		Timeout: timeout,
		Retry:   resilience.RetryConfig{MaxRetries: maxRetries, Delay: time.Millisecond},
		Now:     func() time.Time { return fixedNow },
		Logger:  zerolog.Nop(),
	})
}

func TestCallSign_KnownVector(t *testing.T) {
	got := CallSign("/mweb/v1/aigc_draft/generate", 1700000000)
	if got != "ae3b32f5eac9141aae9ff491a3bd4c7c" {
		t.Errorf("CallSign = %s", got)
	}
}

func TestCallSign_ShortPath(t *testing.T) {
	if CallSign("/a", 1) == CallSign("/b", 1) {
		t.Error("different paths should sign differently")
	}
}

func TestNewIdentity(t *testing.T) {
	id := NewIdentity()
	if len(id.WebID) != 19 || len(id.DeviceID) != 19 {
		t.Errorf("web/device id lengths = %d/%d, want 19", len(id.WebID), len(id.DeviceID))
	}
	if len(id.UserID) != 32 || strings.Contains(id.UserID, "-") {
		t.Errorf("user id = %q", id.UserID)
	}
}

func TestIdentity_Cookie(t *testing.T) {
	c := testIdentity().Cookie("tok", fixedNow)
	for _, want := range []string{
		"_tea_web_id=7000000000000000002",
		"sid_tt=tok",
		"sessionid=tok",
		"uid_tt=abc123",
		"sid_guard=tok%7C1700000000%7C5184000%7C",
	} {
		if !strings.Contains(c, want) {
			t.Errorf("cookie missing %q: %s", want, c)
		}
	}
	if strings.Contains(c, " GMT") {
		t.Errorf("expiry should be query-escaped: %s", c)
	}
}

func TestCall_EnvelopeSuccess(t *testing.T) {
	for _, body := range []string{
		`{"ret":"0","errmsg":"success","data":{"x":1}}`,
		`{"ret":0,"errmsg":"success","data":{"x":1}}`,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		}))
		data, err := newTestClient(srv.URL, 0, time.Second).Call(context.Background(), http.MethodPost, "/mweb/v1/x", "tok", Options{Body: map[string]any{"a": 1}})
		srv.Close()
		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if string(data) != `{"x":1}` {
			t.Errorf("%s: data = %s", body, data)
		}
	}
}

func TestCall_NoRetPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"foo":"bar"}`)
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL, 0, time.Second).Call(context.Background(), http.MethodGet, "/x", "tok", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"foo":"bar"}` {
		t.Errorf("data = %s", data)
	}
}

func TestCall_EnvelopeErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.WriteString(w, `{"ret":"1015","errmsg":"login expired"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3, time.Second).Call(context.Background(), http.MethodPost, "/x", "tok", Options{})
	if apierror.KindOf(err) != apierror.KindAuthentication {
		t.Fatalf("kind = %s, err = %v", apierror.KindOf(err), err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestCall_InsufficientCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret":"5000","errmsg":"not enough credits"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0, time.Second).Call(context.Background(), http.MethodPost, "/x", "tok", Options{})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Kind != apierror.KindInsufficientCredits || apiErr.Code != "5000" {
		t.Fatalf("err = %v", err)
	}
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3, time.Second).Call(context.Background(), http.MethodPost, "/x", "tok", Options{})
	if !apierror.IsRetryable(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if n := atomic.LoadInt32(&calls); n != 4 {
		t.Errorf("calls = %d, want 4", n)
	}
}

func TestCall_RetriesTimeouts(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(srv.URL, 2, 20*time.Millisecond).Call(context.Background(), http.MethodGet, "/x", "tok", Options{})
	if !apierror.IsRetryable(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestCall_RecoversAfterTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"ret":"0","data":{"ok":true}}`)
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL, 3, time.Second).Call(context.Background(), http.MethodGet, "/x", "tok", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("data = %s", data)
	}
}

func TestStream_ReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret":"1015","errmsg":"login expired"}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 0, time.Second).Stream(context.Background(), http.MethodPost, "/x", "tok", Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != `{"ret":"1015","errmsg":"login expired"}` {
		t.Errorf("body = %s", b)
	}
}

func TestStream_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 3, time.Second).Stream(context.Background(), http.MethodGet, "/x", "tok", Options{})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestStream_TimeoutCoversHeadersOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(80 * time.Millisecond)
		io.WriteString(w, "late")
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 0, 20*time.Millisecond).Stream(context.Background(), http.MethodGet, "/x", "tok", Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil || string(b) != "late" {
		t.Errorf("body = %q, err = %v", b, err)
	}
}

func TestCall_PathWithQueryIsMerged(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		io.WriteString(w, `{"ret":"0","data":{}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0, time.Second).Call(context.Background(), http.MethodPost,
		"/mweb/v1/aigc_draft/generate?from=page", "tok", Options{Params: map[string]string{"babi_param": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.URL.Path != "/mweb/v1/aigc_draft/generate" {
		t.Errorf("path = %s", got.URL.Path)
	}
	q := got.URL.Query()
	if q.Get("from") != "page" || q.Get("aid") != AppID || q.Get("babi_param") != "x" {
		t.Errorf("query = %s", got.URL.RawQuery)
	}
	if got.Header.Get("Sign") != CallSign("/mweb/v1/aigc_draft/generate", fixedNow.Unix()) {
		t.Errorf("Sign computed over the query: %s", got.Header.Get("Sign"))
	}
}

func TestCall_RequestShape(t *testing.T) {
	var got *http.Request
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, `{"ret":"0","data":{}}`)
	}))
	defer srv.Close()

	path := "/mweb/v1/aigc_draft/generate"
	_, err := newTestClient(srv.URL, 0, time.Second).Call(context.Background(), http.MethodPost, path, "tok", Options{
		Params: map[string]string{"babi_param": "x"},
		Body:   map[string]any{"prompt": "cat"},
	})
	if err != nil {
		t.Fatal(err)
	}

	q := got.URL.Query()
	for k, v := range map[string]string{
		"aid":             AppID,
		"device_platform": "web",
		"region":          Region,
		"webId":           "7000000000000000002",
		"da_version":      DAVersion,
		"web_version":     WebVersion,
		"babi_param":      "x",
	} {
		if q.Get(k) != v {
			t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
		}
	}
	if got.Header.Get("Sign") != "ae3b32f5eac9141aae9ff491a3bd4c7c" {
		t.Errorf("Sign = %s", got.Header.Get("Sign"))
	}
	if got.Header.Get("Device-Time") != "1700000000" || got.Header.Get("Sign-Ver") != "1" {
		t.Errorf("Device-Time/Sign-Ver = %s/%s", got.Header.Get("Device-Time"), got.Header.Get("Sign-Ver"))
	}
	if got.Header.Get("Appid") != AppID || got.Header.Get("Pf") != PlatformCode || got.Header.Get("Appvr") != VersionCode {
		t.Error("missing app identification headers")
	}
	if !strings.Contains(got.Header.Get("Cookie"), "sessionid=tok") {
		t.Errorf("Cookie = %s", got.Header.Get("Cookie"))
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %s", got.Header.Get("Content-Type"))
	}
	if body["prompt"] != "cat" {
		t.Errorf("body = %v", body)
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	_, err := ParseEnvelope([]byte("<html>"))
	if apierror.KindOf(err) != apierror.KindUpstreamLogic {
		t.Errorf("kind = %s", apierror.KindOf(err))
	}
}
