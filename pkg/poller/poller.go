// Package poller turns a submitted job's history id into a terminal result
// by polling the upstream status endpoint on an adaptive schedule.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/metrics"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
	"github.com/abdhe/dreamina-proxy/pkg/upstream"
)

const historyPath = "/mweb/v1/get_history_by_ids"

// Upstream job status codes.
const (
	StatusSucceeded    = 10
	StatusPending      = 20
	StatusFailed       = 30
	StatusTransitional = 42
	StatusQueued       = 45
	StatusSucceededAlt = 50
)

// Caller is the part of the upstream client the poller needs.
type Caller interface {
	Call(ctx context.Context, method, path, sessionToken string, opts upstream.Options) (json.RawMessage, error)
}

// Outcome is the terminal state of a job.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeContentFiltered
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeContentFiltered:
		return "content_filtered"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Shape selects which of the two status query forms is sent.
type Shape int

const (
	// ShapeHistoryIDs posts {history_ids:[id]} and reads a map keyed by id.
	ShapeHistoryIDs Shape = iota
	// ShapeRecordIDs posts {history_record_ids:[id]} and reads history_list.
	ShapeRecordIDs
)

func (s Shape) String() string {
	if s == ShapeRecordIDs {
		return "history_record_ids"
	}
	return "history_ids"
}

func (s Shape) other() Shape {
	if s == ShapeRecordIDs {
		return ShapeHistoryIDs
	}
	return ShapeRecordIDs
}

// Config controls the polling schedule. Non-positive fields take defaults.
type Config struct {
	MaxAttempts int

	// Pending schedule: FastDelay for the first FastAttempts pending cycles,
	// then growing by Step per cycle up to MaxDelay.
	FastDelay    time.Duration
	FastAttempts int
	Step         time.Duration
	MaxDelay     time.Duration

	// Soft-miss schedule: min(SoftMissBase*(attempt+1), SoftMissCap).
	SoftMissBase time.Duration
	SoftMissCap  time.Duration

	// After FallbackAfter consecutive soft-misses the other query shape is
	// tried every FallbackEvery misses.
	FallbackAfter int
	FallbackEvery int
}

// DefaultConfig returns the image polling defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   90,
		FastDelay:     2 * time.Second,
		FastAttempts:  5,
		Step:          time.Second,
		MaxDelay:      10 * time.Second,
		SoftMissBase:  time.Second,
		SoftMissCap:   10 * time.Second,
		FallbackAfter: 2,
		FallbackEvery: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.FastDelay <= 0 {
		c.FastDelay = d.FastDelay
	}
	if c.FastAttempts <= 0 {
		c.FastAttempts = d.FastAttempts
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.FastDelay {
		c.MaxDelay = c.FastDelay
	}
	if c.SoftMissBase <= 0 {
		c.SoftMissBase = d.SoftMissBase
	}
	if c.SoftMissCap <= 0 {
		c.SoftMissCap = d.SoftMissCap
	}
	if c.FallbackAfter <= 0 {
		c.FallbackAfter = d.FallbackAfter
	}
	if c.FallbackEvery <= 0 {
		c.FallbackEvery = d.FallbackEvery
	}
	return c
}

// PendingDelay is the wait after the n-th pending cycle (1-based).
func (c Config) PendingDelay(n int) time.Duration {
	if n <= c.FastAttempts {
		return c.FastDelay
	}
	d := c.FastDelay + time.Duration(n-c.FastAttempts)*c.Step
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// SoftMissDelay is the wait after a soft-miss on the given attempt (0-based).
func (c Config) SoftMissDelay(attempt int) time.Duration {
	d := c.SoftMissBase * time.Duration(attempt+1)
	if d > c.SoftMissCap {
		return c.SoftMissCap
	}
	return d
}

// Attempt describes one poll cycle.
type Attempt struct {
	HistoryID string
	Index     int
	Elapsed   time.Duration
	Status    int // 0 on soft-miss
	FailCode  string
	ItemCount int
	SoftMiss  bool
	Shape     Shape
	Delay     time.Duration // wait before the next cycle
}

// Result is the terminal outcome of a job.
type Result struct {
	Outcome   Outcome
	Media     []string
	HistoryID string
	FailCode  string
	Attempts  int
	Elapsed   time.Duration
}

// Err returns the typed error for failure outcomes. A timed out job is a
// reported condition, not an error, so it returns nil like success.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeContentFiltered:
		return &apierror.Error{Kind: apierror.KindContentPolicy, Code: r.FailCode, HistoryID: r.HistoryID,
			Message: "generation blocked by content moderation"}
	case OutcomeFailed:
		return &apierror.Error{Kind: apierror.KindGenerationFailed, Code: r.FailCode, HistoryID: r.HistoryID,
			Message: "generation failed"}
	}
	return nil
}

// Poller polls job status. A Poller holds only configuration; all state of
// a polling run lives on that run's goroutine.
type Poller struct {
	client Caller
	cfg    Config
	logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Poller.
func New(client Caller, cfg Config, logger zerolog.Logger) *Poller {
	return &Poller{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "poller").Logger(),
		sleep:  resilience.Sleep,
		now:    time.Now,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt bound.
func (p *Poller) WithMaxAttempts(n int) *Poller {
	cp := *p
	cp.cfg.MaxAttempts = n
	cp.cfg = cp.cfg.withDefaults()
	return &cp
}

// Config returns the effective configuration.
func (p *Poller) Config() Config { return p.cfg }

// Poll blocks until the job reaches a terminal outcome, MaxAttempts cycles
// pass, or ctx is cancelled. Failure outcomes are reported in the Result;
// the error is reserved for cancellation and non-recoverable call failures.
func (p *Poller) Poll(ctx context.Context, historyID, sessionToken string) (Result, error) {
	return p.run(ctx, historyID, sessionToken, nil)
}

// EventType distinguishes progress from terminal events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventTerminal EventType = "terminal"
)

// Event is emitted by Watch. Progress events carry Attempt; the single
// terminal event carries Result or Err.
type Event struct {
	Type    EventType
	Attempt Attempt
	Result  Result
	Err     error
}

// Watch polls in a new goroutine and reports each cycle on the returned
// channel, followed by one terminal event. The channel is closed after the
// terminal event. Cancel ctx to stop early.
func (p *Poller) Watch(ctx context.Context, historyID, sessionToken string) <-chan Event {
	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		res, err := p.run(ctx, historyID, sessionToken, func(a Attempt) {
			select {
			case ch <- Event{Type: EventProgress, Attempt: a}:
			case <-ctx.Done():
			}
		})
		terminal := Event{Type: EventTerminal, Result: res, Err: err}
		if ctx.Err() != nil {
			// Still deliver the outcome if a reader is waiting.
			select {
			case ch <- terminal:
			default:
			}
			return
		}
		select {
		case ch <- terminal:
		case <-ctx.Done():
		}
	}()
	return ch
}

func (p *Poller) run(ctx context.Context, historyID, sessionToken string, observe func(Attempt)) (Result, error) {
	cfg := p.cfg
	logger := p.logger.With().Str("history_id", historyID).Logger()
	start := p.now()
	preferred := ShapeHistoryIDs
	misses, pending := 0, 0

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("poller: cancelled after %d attempts: %w", attempt, err)
		}

		shape := preferred
		if misses >= cfg.FallbackAfter && (misses-cfg.FallbackAfter)%cfg.FallbackEvery == 0 {
			shape = preferred.other()
		}

		rec, err := p.query(ctx, shape, historyID, sessionToken)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("poller: cancelled after %d attempts: %w", attempt+1, ctx.Err())
			}
			if !softError(err) {
				if apiErr, ok := apierror.As(err); ok {
					return Result{}, apiErr.WithHistoryID(historyID)
				}
				return Result{}, fmt.Errorf("poller: query: %w", err)
			}
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("status query failed, treating as soft miss")
		}

		a := Attempt{
			HistoryID: historyID,
			Index:     attempt,
			Elapsed:   p.now().Sub(start),
			Shape:     shape,
		}

		if rec == nil {
			misses++
			a.SoftMiss = true
			a.Delay = cfg.SoftMissDelay(attempt)
			metrics.PollAttemptsTotal.WithLabelValues("soft_miss").Inc()
			logger.Debug().Int("attempt", attempt+1).Str("shape", shape.String()).Int("misses", misses).Msg("no record yet")
		} else {
			misses = 0
			preferred = shape
			a.Status = *rec.Status
			a.FailCode = rec.failCode()
			a.ItemCount = len(rec.ItemList)

			switch *rec.Status {
			case StatusSucceeded, StatusSucceededAlt:
				if len(rec.ItemList) > 0 {
					res := Result{
						Outcome:   OutcomeSucceeded,
						Media:     ExtractMedia(rec.ItemList),
						HistoryID: historyID,
						Attempts:  attempt + 1,
						Elapsed:   a.Elapsed,
					}
					metrics.PollAttemptsTotal.WithLabelValues("succeeded").Inc()
					p.emit(observe, a)
					logger.Info().Int("attempts", res.Attempts).Int("media", len(res.Media)).Dur("elapsed", res.Elapsed).Msg("job succeeded")
					return res, nil
				}
				// Status can flip to done before the items are visible.
				pending++
				a.Delay = cfg.PendingDelay(pending)
				metrics.PollAttemptsTotal.WithLabelValues("pending").Inc()

			case StatusFailed:
				res := Result{
					Outcome:   OutcomeFailed,
					HistoryID: historyID,
					FailCode:  a.FailCode,
					Attempts:  attempt + 1,
					Elapsed:   a.Elapsed,
				}
				if apierror.ClassifyFailCode(a.FailCode) == apierror.KindContentPolicy {
					res.Outcome = OutcomeContentFiltered
				}
				metrics.PollAttemptsTotal.WithLabelValues("failed").Inc()
				p.emit(observe, a)
				logger.Info().Str("fail_code", a.FailCode).Str("fail_msg", rec.FailMsg).Str("outcome", res.Outcome.String()).Msg("job failed")
				return res, nil

			default:
				if !isPending(*rec.Status) {
					logger.Warn().Int("status", *rec.Status).Msg("unknown job status, treating as pending")
				}
				pending++
				a.Delay = cfg.PendingDelay(pending)
				metrics.PollAttemptsTotal.WithLabelValues("pending").Inc()
			}
		}

		last := attempt == cfg.MaxAttempts-1
		if last {
			a.Delay = 0
		}
		p.emit(observe, a)
		if last {
			break
		}
		if err := p.sleep(ctx, a.Delay); err != nil {
			return Result{}, fmt.Errorf("poller: cancelled after %d attempts: %w", attempt+1, err)
		}
	}

	res := Result{
		Outcome:   OutcomeTimedOut,
		HistoryID: historyID,
		Attempts:  cfg.MaxAttempts,
		Elapsed:   p.now().Sub(start),
	}
	logger.Warn().Int("attempts", res.Attempts).Dur("elapsed", res.Elapsed).Msg("job still pending at attempt limit")
	return res, nil
}

func (p *Poller) emit(observe func(Attempt), a Attempt) {
	if observe != nil {
		observe(a)
	}
}

func isPending(status int) bool {
	switch status {
	case StatusPending, StatusTransitional, StatusQueued:
		return true
	}
	return false
}

// softError reports whether a failed status query should count as a
// soft-miss rather than end polling. Transport failures that survived the
// client's retries and malformed bodies are soft; anything the taxonomy
// classifies as a caller or account problem is not.
func softError(err error) bool {
	switch apierror.KindOf(err) {
	case apierror.KindTransient, apierror.KindUpstreamLogic:
		return true
	}
	return false
}

// query sends one status request. A nil record with nil error is a soft-miss.
func (p *Poller) query(ctx context.Context, shape Shape, historyID, sessionToken string) (*record, error) {
	data, err := p.client.Call(ctx, http.MethodPost, historyPath, sessionToken, upstream.Options{Body: queryBody(shape, historyID)})
	if err != nil {
		return nil, err
	}
	return findRecord(data, shape, historyID), nil
}

func queryBody(shape Shape, historyID string) map[string]any {
	body := map[string]any{
		"image_info": map[string]any{
			"width":  2048,
			"height": 2048,
			"format": "webp",
			"image_scene_list": []map[string]any{
				{"scene": "normal", "width": 2400, "height": 2400, "uniq_key": "2400", "format": "webp"},
				{"scene": "normal", "width": 1080, "height": 1080, "uniq_key": "1080", "format": "webp"},
			},
		},
		"http_common_info": map[string]any{"aid": json.Number(upstream.AppID)},
	}
	if shape == ShapeRecordIDs {
		body["history_record_ids"] = []string{historyID}
	} else {
		body["history_ids"] = []string{historyID}
	}
	return body
}

// findRecord locates the job's record in a status response. It returns nil
// when the record is absent or the body is not in the expected shape.
func findRecord(data json.RawMessage, shape Shape, historyID string) *record {
	var rec *record
	switch shape {
	case ShapeHistoryIDs:
		var byID map[string]json.RawMessage
		if err := json.Unmarshal(data, &byID); err != nil {
			return nil
		}
		raw, ok := byID[historyID]
		if !ok {
			return nil
		}
		rec = decodeRecord(raw)
	case ShapeRecordIDs:
		var list struct {
			HistoryList []json.RawMessage `json:"history_list"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil
		}
		for _, raw := range list.HistoryList {
			r := decodeRecord(raw)
			if r == nil {
				continue
			}
			if id := r.id(); id == historyID || (id == "" && len(list.HistoryList) == 1) {
				rec = r
				break
			}
		}
	}
	return rec
}

func decodeRecord(raw json.RawMessage) *record {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil || r.Status == nil {
		return nil
	}
	return &r
}
