package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"msggateway/internal/pkg/sanitize"
)

const maxResponseBody = 1 << 20

// restClient is the JSON-over-HTTP plumbing shared by the adapters. Timeouts
// come from the underlying http.Client only.
type restClient struct {
	provider string
	client   *http.Client
}

func newRESTClient(provider string, client *http.Client) *restClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &restClient{provider: provider, client: client}
}

func (c *restClient) do(ctx context.Context, method, url string, header http.Header, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.provider, ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: %w: reading response: %v", c.provider, ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Body:       sanitize.Truncate(strings.TrimSpace(string(data)), 300),
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			apiErr.Kind = ErrInvalidCredentials
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
			apiErr.Kind = ErrProviderUnavailable
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: decoding response: %v", c.provider, ErrProviderUnavailable, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// unixTime accepts the numeric or string timestamps providers send, in
// seconds or milliseconds.
func unixTime(v interface{}) time.Time {
	var n int64
	switch t := v.(type) {
	case float64:
		n = int64(t)
	case json.Number:
		n, _ = t.Int64()
	case string:
		n, _ = strconv.ParseInt(t, 10, 64)
	case int64:
		n = t
	}
	if n <= 0 {
		return time.Now()
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func trimBase(url string) string {
	return strings.TrimRight(url, "/")
}
