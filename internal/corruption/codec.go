package corruption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitloss-labs/bitloss/internal/retry"
)

// Codec derives a degraded copy of an image. quality is in [0.01, 1]; the
// same input and quality must always give the same output.
type Codec interface {
	Corrupt(ctx context.Context, original []byte, contentType string, quality float64) ([]byte, error)
}

// Passthrough returns the original bytes unchanged. It keeps the pipeline
// exercised when no codec service is configured.
type Passthrough struct{}

func (Passthrough) Corrupt(ctx context.Context, original []byte, contentType string, quality float64) ([]byte, error) {
	return append([]byte(nil), original...), nil
}

// HTTPCodec sends the original to a remote codec service:
//
//	POST {url}?quality=0.42
//	Content-Type: image/jpeg
//	<original bytes>
//
// and expects the degraded bytes in the response body.
type HTTPCodec struct {
	endpoint   string
	httpClient *http.Client
	policy     retry.Policy
}

// NewHTTPCodec creates a codec client for endpoint.
func NewHTTPCodec(endpoint string, httpClient *http.Client, policy retry.Policy) (*HTTPCodec, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid codec url %q", endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCodec{endpoint: u.String(), httpClient: httpClient, policy: policy}, nil
}

type codecStatusError struct {
	status int
	body   string
}

func (e *codecStatusError) Error() string {
	return fmt.Sprintf("codec returned %d: %s", e.status, e.body)
}

func (c *HTTPCodec) Corrupt(ctx context.Context, original []byte, contentType string, quality float64) ([]byte, error) {
	u, _ := url.Parse(c.endpoint)
	q := u.Query()
	q.Set("quality", strconv.FormatFloat(quality, 'f', 4, 64))
	u.RawQuery = q.Encode()
	target := u.String()

	return retry.Value(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(original))
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			statusErr := &codecStatusError{status: resp.StatusCode, body: string(truncate(body, 256))}
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, retry.Permanent(statusErr)
			}
			return nil, statusErr
		}
		return body, nil
	})
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
