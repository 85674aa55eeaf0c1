package lineage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// HTTPDoer describes the HTTP client used by HTTPSink.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSink posts events to an OpenLineage HTTP endpoint such as Marquez.
type HTTPSink struct {
	endpoint string
	client   HTTPDoer
}

// NewHTTPSink creates a sink for the lineage API at baseURL. A nil client
// uses http.DefaultClient; attempts are bounded by the emitter's timeout.
func NewHTTPSink(baseURL string, client HTTPDoer) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{
		endpoint: strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/api/v1/lineage",
		client:   client,
	}
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return "http" }

// Send implements Sink.
func (s *HTTPSink) Send(ctx context.Context, event *RunEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: HTTP %d: %s", s.endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
