// Package upload moves caller images into the upstream object store: fetch,
// upload token, apply, byte upload and commit.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/metrics"
	"github.com/abdhe/dreamina-proxy/pkg/sigv4"
	"github.com/abdhe/dreamina-proxy/pkg/upstream"
)

const (
	DefaultImageXBaseURL = "https://imagex.bytedanceapi.com"
	DefaultServiceID     = "tb4s082cfz"
	DefaultStepTimeout   = 30 * time.Second

	tokenPath          = "/mweb/v1/get_upload_token"
	imageXVersion      = "2018-08-01"
	uriStatusCommitted = 2000
)

// Caller is the part of the upstream client the pipeline needs.
type Caller interface {
	Call(ctx context.Context, method, path, sessionToken string, opts upstream.Options) (json.RawMessage, error)
}

// URICache remembers the URI an image was committed under.
type URICache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, uri string) error
}

// Target is where the object store told us to put the bytes.
type Target struct {
	StoreURI   string
	UploadHost string
	AuthToken  string
	SessionKey string
}

// Result is a committed upload.
type Result struct {
	ImageURI string
	Cached   bool
}

// Config configures a Pipeline.
type Config struct {
	ImageXBaseURL string
	// UploadScheme is the scheme used for the per-upload host. Defaults to https.
	UploadScheme string
	StepTimeout  time.Duration
	MaxBytes     int64
	Signer       *sigv4.Signer
	HTTPClient   *http.Client
	Cache        URICache // optional
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Pipeline uploads images. Uploading is not idempotent: every call that
// misses the cache creates a new stored object.
type Pipeline struct {
	client  Caller
	fetcher *Fetcher
	http    *http.Client
	signer  *sigv4.Signer
	cache   URICache
	baseURL string
	scheme  string
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a Pipeline that obtains upload tokens through client.
func New(client Caller, cfg Config) *Pipeline {
	if cfg.ImageXBaseURL == "" {
		cfg.ImageXBaseURL = DefaultImageXBaseURL
	}
	if cfg.UploadScheme == "" {
		cfg.UploadScheme = "https"
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Signer == nil {
		cfg.Signer = sigv4.New("", "")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		client:  client,
		fetcher: &Fetcher{HTTP: cfg.HTTPClient, MaxBytes: cfg.MaxBytes, Timeout: cfg.StepTimeout},
		http:    cfg.HTTPClient,
		signer:  cfg.Signer,
		cache:   cfg.Cache,
		baseURL: strings.TrimRight(cfg.ImageXBaseURL, "/"),
		scheme:  cfg.UploadScheme,
		timeout: cfg.StepTimeout,
		now:     cfg.Now,
		logger:  cfg.Logger.With().Str("component", "upload").Logger(),
	}
}

// Upload fetches src if needed and stores it, returning its image URI.
func (p *Pipeline) Upload(ctx context.Context, src Source, sessionToken string) (Result, error) {
	data, err := p.fetcher.Fetch(ctx, src)
	metrics.RecordUploadStep("fetch", err)
	if err != nil {
		return Result{}, err
	}
	return p.UploadBytes(ctx, data, sessionToken)
}

// UploadBytes stores data. Any failing step aborts the whole upload.
func (p *Pipeline) UploadBytes(ctx context.Context, data []byte, sessionToken string) (Result, error) {
	if len(data) == 0 {
		return Result{}, apierror.New(apierror.KindInvalidRequest, "image is empty")
	}
	if int64(len(data)) > p.fetcher.MaxBytes {
		return Result{}, tooLarge(int64(len(data)), p.fetcher.MaxBytes)
	}

	key := CacheKey(sessionToken, data)
	if uri, ok := p.lookup(ctx, key); ok {
		return Result{ImageURI: uri, Cached: true}, nil
	}

	start := time.Now()
	cred, err := p.uploadToken(ctx, sessionToken)
	metrics.RecordUploadStep("token", err)
	if err != nil {
		return Result{}, fmt.Errorf("upload: token: %w", err)
	}

	target, err := p.apply(ctx, cred, len(data))
	metrics.RecordUploadStep("apply", err)
	if err != nil {
		return Result{}, fmt.Errorf("upload: apply: %w", err)
	}

	err = p.put(ctx, target, data)
	metrics.RecordUploadStep("upload", err)
	if err != nil {
		return Result{}, fmt.Errorf("upload: put: %w", err)
	}

	uri, err := p.commit(ctx, cred, target)
	metrics.RecordUploadStep("commit", err)
	if err != nil {
		return Result{}, fmt.Errorf("upload: commit: %w", err)
	}

	p.logger.Debug().Str("uri", uri).Int("bytes", len(data)).Dur("elapsed", time.Since(start)).Msg("image uploaded")
	p.store(ctx, key, uri)
	return Result{ImageURI: uri}, nil
}

// CacheKey identifies an upload by session token and content.
func CacheKey(sessionToken string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(sessionToken))
	h.Write(data)
	return "upload:" + hex.EncodeToString(h.Sum(nil))
}

func (p *Pipeline) lookup(ctx context.Context, key string) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	uri, ok, err := p.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.UploadCacheLookupsTotal.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Msg("upload cache lookup failed")
		return "", false
	case !ok:
		metrics.UploadCacheLookupsTotal.WithLabelValues("miss").Inc()
		return "", false
	}
	metrics.UploadCacheLookupsTotal.WithLabelValues("hit").Inc()
	return uri, true
}

func (p *Pipeline) store(ctx context.Context, key, uri string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, key, uri); err != nil {
		p.logger.Warn().Err(err).Msg("upload cache store failed")
	}
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

func (p *Pipeline) uploadToken(ctx context.Context, sessionToken string) (sigv4.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	data, err := p.client.Call(ctx, http.MethodPost, tokenPath, sessionToken, upstream.Options{
		Body: map[string]any{"scene": 2},
	})
	if err != nil {
		return sigv4.Credential{}, err
	}

	var tok struct {
		AccessKeyID     string `json:"access_key_id"`
		SecretAccessKey string `json:"secret_access_key"`
		SessionToken    string `json:"session_token"`
		ServiceID       string `json:"service_id"`
		SpaceName       string `json:"space_name"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return sigv4.Credential{}, apierror.UpstreamLogic(data, "decode upload token: %v", err)
	}
	if tok.AccessKeyID == "" || tok.SecretAccessKey == "" || tok.SessionToken == "" {
		return sigv4.Credential{}, apierror.UpstreamLogic(data, "upload token incomplete")
	}

	serviceID := tok.ServiceID
	if serviceID == "" {
		serviceID = tok.SpaceName
	}
	if serviceID == "" {
		serviceID = DefaultServiceID
	}
	return sigv4.Credential{
		Credentials: aws.Credentials{
			AccessKeyID:     tok.AccessKeyID,
			SecretAccessKey: tok.SecretAccessKey,
			SessionToken:    tok.SessionToken,
			Source:          "upload_token",
		},
		ServiceID: serviceID,
	}, nil
}

type responseMetadata struct {
	RequestID string `json:"RequestId"`
	Error     *struct {
		Code    string `json:"Code"`
		CodeN   int    `json:"CodeN"`
		Message string `json:"Message"`
	} `json:"Error"`
}

func (m responseMetadata) err(raw []byte) error {
	if m.Error == nil {
		return nil
	}
	return &apierror.Error{
		Kind:    apierror.KindResourceFailure,
		Code:    m.Error.Code,
		Message: m.Error.Message,
		Raw:     string(raw),
	}
}

func (p *Pipeline) apply(ctx context.Context, cred sigv4.Credential, size int) (Target, error) {
	query := "Action=ApplyImageUpload&Version=" + imageXVersion +
		"&ServiceId=" + cred.ServiceID +
		"&FileSize=" + strconv.Itoa(size) +
		"&s=" + strconv.FormatInt(rand.Int63(), 36)

	raw, err := p.signedCall(ctx, http.MethodGet, query, cred, nil)
	if err != nil {
		return Target{}, err
	}

	var resp struct {
		ResponseMetadata responseMetadata `json:"ResponseMetadata"`
		Result           struct {
			UploadAddress struct {
				StoreInfos []struct {
					StoreURI string `json:"StoreUri"`
					Auth     string `json:"Auth"`
				} `json:"StoreInfos"`
				UploadHosts []string `json:"UploadHosts"`
				SessionKey  string   `json:"SessionKey"`
			} `json:"UploadAddress"`
		} `json:"Result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Target{}, apierror.UpstreamLogic(raw, "decode apply response: %v", err)
	}
	if err := resp.ResponseMetadata.err(raw); err != nil {
		return Target{}, err
	}

	addr := resp.Result.UploadAddress
	if len(addr.StoreInfos) == 0 || len(addr.UploadHosts) == 0 || addr.SessionKey == "" {
		return Target{}, &apierror.Error{Kind: apierror.KindResourceFailure, Message: "apply returned no upload address", Raw: string(raw)}
	}
	return Target{
		StoreURI:   addr.StoreInfos[0].StoreURI,
		UploadHost: addr.UploadHosts[0],
		AuthToken:  addr.StoreInfos[0].Auth,
		SessionKey: addr.SessionKey,
	}, nil
}

func (p *Pipeline) put(ctx context.Context, target Target, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := p.scheme + "://" + target.UploadHost + "/upload/v1/" + target.StoreURI
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", target.AuthToken)
	req.Header.Set("Content-CRC32", Checksum(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Disposition", `attachment; filename="undefined"`)

	raw, status, err := p.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &apierror.Error{Kind: apierror.KindResourceFailure, StatusCode: status,
			Message: fmt.Sprintf("upload host returned HTTP %d", status), Raw: string(raw)}
	}

	var body struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Code != nil && *body.Code != uriStatusCommitted {
		return &apierror.Error{Kind: apierror.KindResourceFailure, Code: strconv.Itoa(*body.Code),
			Message: "upload rejected: " + body.Message, Raw: string(raw)}
	}
	return nil
}

func (p *Pipeline) commit(ctx context.Context, cred sigv4.Credential, target Target) (string, error) {
	query := "Action=CommitImageUpload&Version=" + imageXVersion + "&ServiceId=" + cred.ServiceID
	payload, err := json.Marshal(map[string]string{
		"SessionKey":          target.SessionKey,
		"SuccessActionStatus": "200",
	})
	if err != nil {
		return "", fmt.Errorf("marshal commit body: %w", err)
	}

	raw, err := p.signedCall(ctx, http.MethodPost, query, cred, payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		ResponseMetadata responseMetadata `json:"ResponseMetadata"`
		Result           struct {
			Results []struct {
				URI       string `json:"Uri"`
				URIStatus int    `json:"UriStatus"`
			} `json:"Results"`
			PluginResult []struct {
				ImageURI string `json:"ImageUri"`
			} `json:"PluginResult"`
		} `json:"Result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apierror.UpstreamLogic(raw, "decode commit response: %v", err)
	}
	if err := resp.ResponseMetadata.err(raw); err != nil {
		return "", err
	}

	results := resp.Result.Results
	if len(results) == 0 || results[0].URIStatus != uriStatusCommitted {
		return "", &apierror.Error{Kind: apierror.KindResourceFailure, Message: "commit not confirmed", Raw: string(raw)}
	}
	if plugins := resp.Result.PluginResult; len(plugins) > 0 && plugins[0].ImageURI != "" {
		return plugins[0].ImageURI, nil
	}
	if results[0].URI == "" {
		return "", &apierror.Error{Kind: apierror.KindResourceFailure, Message: "commit returned no uri", Raw: string(raw)}
	}
	return results[0].URI, nil
}

// signedCall sends one SigV4-signed request to the image store.
func (p *Pipeline) signedCall(ctx context.Context, method, query string, cred sigv4.Credential, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u := p.baseURL + "/?" + query
	at := p.now()
	signed, err := p.signer.Sign(sigv4.Request{
		Method:  method,
		URL:     u,
		Headers: sigv4.Headers(cred, at),
		Payload: payload,
	}, cred, at)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range signed.Headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, status, err := p.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		// The store reports errors in ResponseMetadata even on non-2xx.
		var meta struct {
			ResponseMetadata responseMetadata `json:"ResponseMetadata"`
		}
		if json.Unmarshal(raw, &meta) == nil {
			if err := meta.ResponseMetadata.err(raw); err != nil {
				return nil, err
			}
		}
		return nil, &apierror.Error{Kind: apierror.KindResourceFailure, StatusCode: status,
			Message: fmt.Sprintf("image store returned HTTP %d", status), Raw: string(raw)}
	}
	return raw, nil
}

// do sends one storage request. Transport failures are ResourceFailure:
// storage steps are not retried and abort the upload.
func (p *Pipeline) do(req *http.Request) ([]byte, int, error) {
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, apierror.Wrap(apierror.KindResourceFailure, err, "image store %s unreachable", req.URL.Host)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, &apierror.Error{Kind: apierror.KindResourceFailure, StatusCode: resp.StatusCode,
			Message: "read image store response", Err: err}
	}
	return raw, resp.StatusCode, nil
}
