package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/job"
	"github.com/abdhe/dreamina-proxy/pkg/metrics"
	"github.com/abdhe/dreamina-proxy/pkg/poller"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
)

// scriptProvider returns errs in order, then succeeds.
type scriptProvider struct {
	errs   []error
	tokens []string
	resp   provider.Response
	chunks []provider.StreamChunk
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) next(token string) error {
	p.tokens = append(p.tokens, token)
	if i := len(p.tokens) - 1; i < len(p.errs) {
		return p.errs[i]
	}
	return nil
}

func (p *scriptProvider) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	if err := p.next(req.SessionToken); err != nil {
		return provider.Response{}, err
	}
	return p.resp, nil
}

func (p *scriptProvider) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.StreamChunk, error) {
	if err := p.next(req.SessionToken); err != nil {
		return nil, err
	}
	ch := make(chan provider.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestHandler(p provider.Provider) *Handler {
	return NewHandler(Config{
		Provider: p,
		Resubmit: resilience.RetryConfig{MaxRetries: 2, Delay: time.Millisecond},
		Logger:   zerolog.Nop(),
	})
}

var okResponse = provider.Response{HistoryID: "h-1", Outcome: poller.OutcomeSucceeded, Media: []string{"https://i/1.png"}}

func transient() error {
	return apierror.Transient(502, "", errors.New("bad gateway"))
}

func authErr() error {
	return apierror.New(apierror.KindAuthentication, "login required")
}

func TestGenerate_NoTokens(t *testing.T) {
	p := &scriptProvider{resp: okResponse}
	_, err := newTestHandler(p).Generate(context.Background(), nil, provider.Request{Prompt: "x"})
	if !errors.Is(err, ErrNoTokens) || apierror.KindOf(err) != apierror.KindAuthentication {
		t.Fatalf("err = %v", err)
	}
	if len(p.tokens) != 0 {
		t.Error("provider should not be called")
	}
}

func TestGenerate_ResubmitsTransient(t *testing.T) {
	before := testutil.ToFloat64(metrics.ResubmissionsTotal.WithLabelValues("transient"))
	p := &scriptProvider{errs: []error{transient(), transient()}, resp: okResponse}

	resp, err := newTestHandler(p).Generate(context.Background(), []string{"a", "b"}, provider.Request{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.HistoryID != "h-1" || len(p.tokens) != 3 {
		t.Fatalf("resp=%+v calls=%d", resp, len(p.tokens))
	}
	if p.tokens[0] == p.tokens[1] {
		t.Errorf("resubmission reused token: %v", p.tokens)
	}
	if got := testutil.ToFloat64(metrics.ResubmissionsTotal.WithLabelValues("transient")) - before; got != 2 {
		t.Errorf("resubmissions = %v, want 2", got)
	}
}

func TestGenerate_ResubmissionIsBounded(t *testing.T) {
	p := &scriptProvider{errs: []error{transient(), transient(), transient(), transient()}, resp: okResponse}

	_, err := newTestHandler(p).Generate(context.Background(), []string{"a"}, provider.Request{Prompt: "x"})
	if apierror.KindOf(err) != apierror.KindTransient {
		t.Fatalf("err = %v", err)
	}
	if len(p.tokens) != 3 {
		t.Errorf("calls = %d, want 3", len(p.tokens))
	}
}

func TestGenerate_AuthNotResubmitted(t *testing.T) {
	p := &scriptProvider{errs: []error{authErr()}, resp: okResponse}

	_, err := newTestHandler(p).Generate(context.Background(), []string{"a", "b", "c"}, provider.Request{Prompt: "x"})
	if apierror.KindOf(err) != apierror.KindAuthentication {
		t.Fatalf("err = %v", err)
	}
	if len(p.tokens) != 1 {
		t.Errorf("calls = %d, want 1", len(p.tokens))
	}
}

func TestGenerate_TransientAfterHistoryIDNotResubmitted(t *testing.T) {
	p := &scriptProvider{errs: []error{apierror.Transient(502, "", nil).WithHistoryID("h-2")}, resp: okResponse}

	_, err := newTestHandler(p).Generate(context.Background(), []string{"a", "b"}, provider.Request{Prompt: "x"})
	if apierror.KindOf(err) != apierror.KindTransient {
		t.Fatalf("err = %v", err)
	}
	if len(p.tokens) != 1 {
		t.Errorf("calls = %d, want 1", len(p.tokens))
	}
}

// countingSubmitter accepts every job under the same history id.
type countingSubmitter struct{ submits int }

func (s *countingSubmitter) Submit(ctx context.Context, token string, req job.Request) (job.Job, error) {
	s.submits++
	return job.Job{HistoryID: "h-1", Kind: req.Kind, Model: req.Model}, nil
}

// failingPoller fails every job with err.
type failingPoller struct{ err error }

func (p failingPoller) Poll(ctx context.Context, historyID, token string) (poller.Result, error) {
	return poller.Result{}, p.err
}

func (p failingPoller) Watch(ctx context.Context, historyID, token string) <-chan poller.Event {
	ch := make(chan poller.Event, 1)
	ch <- poller.Event{Type: poller.EventTerminal, Err: p.err}
	close(ch)
	return ch
}

func TestGenerate_PollAuthFailureSubmitsOnce(t *testing.T) {
	s := &countingSubmitter{}
	pollErr := apierror.New(apierror.KindAuthentication, "expired").WithHistoryID("h-1")
	d := provider.NewDreaminaProvider(s, failingPoller{err: pollErr}, nil, zerolog.Nop())

	_, err := newTestHandler(d).Generate(context.Background(), []string{"a", "b", "c"}, provider.Request{Prompt: "x"})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Kind != apierror.KindAuthentication || apiErr.HistoryID != "h-1" {
		t.Fatalf("err = %v", err)
	}
	if s.submits != 1 {
		t.Errorf("submissions = %d, want 1", s.submits)
	}
}

func TestGenerate_TerminalFailuresNotResubmitted(t *testing.T) {
	kinds := []apierror.Kind{
		apierror.KindContentPolicy,
		apierror.KindGenerationFailed,
		apierror.KindInsufficientCredits,
		apierror.KindUpstreamLogic,
		apierror.KindResourceFailure,
		apierror.KindInvalidRequest,
	}
	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			p := &scriptProvider{errs: []error{apierror.New(k, "boom")}, resp: okResponse}
			_, err := newTestHandler(p).Generate(context.Background(), []string{"a", "b"}, provider.Request{Prompt: "x"})
			if apierror.KindOf(err) != k {
				t.Fatalf("err = %v", err)
			}
			if len(p.tokens) != 1 {
				t.Errorf("calls = %d, want 1", len(p.tokens))
			}
		})
	}
}

func TestGenerate_RecordsOutcome(t *testing.T) {
	counter := metrics.JobOutcomesTotal.WithLabelValues("image", "timed_out")
	before := testutil.ToFloat64(counter)
	p := &scriptProvider{resp: provider.Response{HistoryID: "h-9", Outcome: poller.OutcomeTimedOut}}

	if _, err := newTestHandler(p).Generate(context.Background(), []string{"a"}, provider.Request{Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("timed_out outcomes = %v, want 1", got)
	}
}

func TestGenerateStream_ResubmitsSubmission(t *testing.T) {
	p := &scriptProvider{
		errs: []error{transient()},
		chunks: []provider.StreamChunk{
			{HistoryID: "h-1", Attempt: &poller.Attempt{Index: 0, Status: 20}},
			{HistoryID: "h-1", Done: true, Response: okResponse},
		},
	}
	ch, err := newTestHandler(p).GenerateStream(context.Background(), []string{"a"}, provider.Request{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	var last provider.StreamChunk
	for c := range ch {
		n++
		last = c
	}
	if n != 2 || !last.Done || len(p.tokens) != 2 {
		t.Errorf("chunks=%d last=%+v submits=%d", n, last, len(p.tokens))
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		resp provider.Response
		err  error
		want string
	}{
		{provider.Response{Outcome: poller.OutcomeSucceeded}, nil, "succeeded"},
		{provider.Response{Outcome: poller.OutcomeTimedOut}, nil, "timed_out"},
		{provider.Response{}, apierror.New(apierror.KindContentPolicy, "x"), "content_filtered"},
		{provider.Response{}, apierror.New(apierror.KindGenerationFailed, "x"), "failed"},
		{provider.Response{}, errors.New("x"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.resp, tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v, %v) = %s, want %s", tt.resp.Outcome, tt.err, got, tt.want)
		}
	}
}
