// Package rag is the read-only documentation interface. It queries the RAG
// service over HTTP and falls back to a keyword search over the local
// document chunks when the service is unavailable.
package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// ChunksDir is the directory under the data dir that holds the chunks file.
const ChunksDir = "rag-docs"

// ChunksFile is the name of the document chunks file.
const ChunksFile = "document_chunks.json"

// HTTPDoer describes the HTTP client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements engine.ContextQuerier.
type Client struct {
	baseURL string
	dataDir string
	client  HTTPDoer
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l.With().Str("component", "rag").Logger() }
}

// New creates a Client. baseURL may be empty, in which case only the local
// keyword search is used.
func New(baseURL, dataDir string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		dataDir: dataDir,
		client:  &http.Client{Timeout: timeout},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ChunksPath returns the local chunks file.
func (c *Client) ChunksPath() string {
	return filepath.Join(c.dataDir, ChunksDir, ChunksFile)
}

type searchResult struct {
	Content    string  `json:"content"`
	SourceFile string  `json:"source_file"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
}

// Query implements engine.ContextQuerier.
func (c *Client) Query(ctx context.Context, text string, limit int) ([]engine.Snippet, error) {
	if limit <= 0 {
		limit = 5
	}

	var remoteErr error
	if c.baseURL != "" {
		snippets, err := c.search(ctx, text, limit)
		if err == nil && len(snippets) > 0 {
			return snippets, nil
		}
		remoteErr = err
		if err != nil {
			c.logger.Warn().Err(err).Msg("RAG search failed, falling back to keyword search")
		}
	}

	chunks, err := LoadChunks(c.ChunksPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && remoteErr == nil {
			return []engine.Snippet{}, nil
		}
		return nil, errors.Join(remoteErr, err)
	}
	return KeywordSearch(chunks, text, limit), nil
}

func (c *Client) search(ctx context.Context, text string, limit int) ([]engine.Snippet, error) {
	var out struct {
		Results []searchResult `json:"results"`
	}
	if err := c.post(ctx, "/orchestrator/context/search", map[string]interface{}{"query": text, "top_k": limit}, &out); err != nil {
		return nil, err
	}

	snippets := make([]engine.Snippet, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Content == "" {
			continue
		}
		snippets = append(snippets, engine.Snippet{
			Source:  r.SourceFile,
			Title:   r.Title,
			Content: r.Content,
			Score:   clamp01(r.Score),
		})
	}
	return snippets, nil
}

// Health is the document state reported by the RAG service.
type Health struct {
	DocumentCount   int  `json:"document_count"`
	DocumentsLoaded bool `json:"documents_loaded"`
}

// Empty reports whether no documents are loaded.
func (h Health) Empty() bool {
	return h.DocumentCount == 0 && !h.DocumentsLoaded
}

// Health reads the service health endpoint. The document state may be
// reported under services.rag or at the top level.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	if c.baseURL == "" {
		return nil, errors.New("rag url is not configured")
	}
	var out struct {
		Health
		Services struct {
			RAG *Health `json:"rag"`
		} `json:"services"`
	}
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}

	h := out.Health
	if nested := out.Services.RAG; nested != nil {
		if nested.DocumentCount > 0 {
			h.DocumentCount = nested.DocumentCount
		}
		h.DocumentsLoaded = h.DocumentsLoaded || nested.DocumentsLoaded
	}
	return &h, nil
}

// ReloadResult is the outcome of a context reload.
type ReloadResult struct {
	Success    bool `json:"success"`
	ADRsLoaded bool `json:"adrs_loaded"`
	Documents  int  `json:"rag_documents"`
}

// Reload asks the service to reload its documents.
func (c *Client) Reload(ctx context.Context) (*ReloadResult, error) {
	if c.baseURL == "" {
		return nil, errors.New("rag url is not configured")
	}
	var out struct {
		Success bool `json:"success"`
		Status  struct {
			ADRsLoaded bool `json:"adrs_loaded"`
			Documents  int  `json:"rag_documents"`
		} `json:"status"`
	}
	if err := c.post(ctx, "/orchestrator/context/reload", nil, &out); err != nil {
		return nil, err
	}
	c.logger.Info().Bool("success", out.Success).Int("documents", out.Status.Documents).Msg("RAG context reloaded")
	return &ReloadResult{Success: out.Success, ADRsLoaded: out.Status.ADRsLoaded, Documents: out.Status.Documents}, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: non-JSON response: %w", method, path, err)
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
