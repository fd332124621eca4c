package poller

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abdhe/dreamina-proxy/pkg/upstream"
)

// Streamer opens an upstream call without decoding the response.
type Streamer interface {
	Stream(ctx context.Context, method, path, sessionToken string, opts upstream.Options) (*http.Response, error)
}

// Inspector fetches a job's status record exactly as the upstream returns
// it. It is for diagnosing jobs the poller could not resolve, for example
// after a timed-out generation.
type Inspector struct {
	client Streamer
}

func NewInspector(client Streamer) *Inspector {
	return &Inspector{client: client}
}

// Raw sends one status query in the given shape and returns the undecoded
// response. The caller must close the body.
func (i *Inspector) Raw(ctx context.Context, historyID, sessionToken string, shape Shape) (*http.Response, error) {
	if historyID == "" {
		return nil, fmt.Errorf("poller: inspect: empty history id")
	}
	resp, err := i.client.Stream(ctx, http.MethodPost, historyPath, sessionToken, upstream.Options{Body: queryBody(shape, historyID)})
	if err != nil {
		return nil, fmt.Errorf("poller: inspect %s: %w", historyID, err)
	}
	return resp, nil
}
