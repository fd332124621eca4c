package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
)

// DefaultMaxBytes is the largest image accepted for upload.
const DefaultMaxBytes = 100 << 20

var (
	// ErrTooLarge is returned when an image exceeds the configured limit.
	ErrTooLarge = errors.New("upload: image exceeds size limit")
	// ErrInvalidSource is returned when an image reference cannot be parsed.
	ErrInvalidSource = errors.New("upload: invalid image source")
)

// Source is an image to upload: either a remote URL or inline bytes.
type Source struct {
	URL  string
	Data []byte
}

// IsRemote reports whether the source must be downloaded first.
func (s Source) IsRemote() bool { return s.URL != "" }

// FromBytes wraps raw image bytes.
func FromBytes(b []byte) Source { return Source{Data: b} }

// ParseSource interprets an image reference supplied by a caller: an http(s)
// URL, a data: URL or bare base64.
func ParseSource(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return Source{}, apierror.Wrap(apierror.KindInvalidRequest, ErrInvalidSource, "empty image reference")
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if _, err := url.ParseRequestURI(ref); err != nil {
			return Source{}, apierror.Wrap(apierror.KindInvalidRequest, ErrInvalidSource, "bad image url: %v", err)
		}
		return Source{URL: ref}, nil
	case strings.HasPrefix(ref, "data:"):
		return parseDataURL(ref)
	default:
		b, err := decodeBase64(ref)
		if err != nil {
			return Source{}, apierror.Wrap(apierror.KindInvalidRequest, ErrInvalidSource, "image is neither a url nor base64")
		}
		return Source{Data: b}, nil
	}
}

func parseDataURL(ref string) (Source, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return Source{}, apierror.Wrap(apierror.KindInvalidRequest, ErrInvalidSource, "data url has no payload")
	}
	if strings.HasSuffix(meta, ";base64") {
		b, err := decodeBase64(payload)
		if err != nil {
			return Source{}, apierror.Wrap(apierror.KindInvalidRequest, ErrInvalidSource, "data url: %v", err)
		}
		return Source{Data: b}, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return Source{}, apierror.Wrap(apierror.KindInvalidRequest, ErrInvalidSource, "data url: %v", err)
	}
	return Source{Data: []byte(s)}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Fetcher downloads remote sources with a size guard.
type Fetcher struct {
	HTTP     *http.Client
	MaxBytes int64
	Timeout  time.Duration
}

// Fetch returns the bytes of src, downloading it when remote. A HEAD request
// rejects oversized or missing images before the download; servers that do
// not implement HEAD are tolerated and the limit is enforced while reading.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if !src.IsRemote() {
		if int64(len(src.Data)) > limit {
			return nil, tooLarge(int64(len(src.Data)), limit)
		}
		return src.Data, nil
	}

	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	if err := f.head(ctx, client, src.URL, limit); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("upload: create download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindResourceFailure, err, "download image")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierror.Error{Kind: apierror.KindResourceFailure, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("download image: HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindResourceFailure, err, "read image")
	}
	if int64(len(data)) > limit {
		return nil, tooLarge(int64(len(data)), limit)
	}
	return data, nil
}

func (f *Fetcher) head(ctx context.Context, client *http.Client, rawURL string, limit int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("upload: create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return apierror.Wrap(apierror.KindResourceFailure, err, "check image")
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &apierror.Error{Kind: apierror.KindResourceFailure, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("image not reachable: HTTP %d", resp.StatusCode)}
	case resp.ContentLength > limit:
		return tooLarge(resp.ContentLength, limit)
	}
	return nil
}

func tooLarge(size, limit int64) error {
	return apierror.Wrap(apierror.KindInvalidRequest, ErrTooLarge, "image is %d bytes, limit is %d", size, limit)
}
