// Package retrieval queries the external search service for context
// snippets that ground the generated reply.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrRetrievalFailed marks network errors and non-2xx responses.
var ErrRetrievalFailed = errors.New("context retrieval failed")

const (
	DefaultTopK        = 5
	DefaultResultField = "resultados"
	DefaultTimeout     = 15 * time.Second

	// maxResponseBytes caps how much of the search response is read.
	maxResponseBytes = 4 << 20
)

// Snippet is one ranked context passage. Record holds the raw JSON when the
// service returned a structured item instead of a plain string.
type Snippet struct {
	Text   string
	Record bool
}

// Config configures the Retriever.
type Config struct {
	// BaseURL of the search service; requests go to {BaseURL}/search.
	BaseURL string

	// TopK is the result-count bound sent as `k` (default: 5).
	TopK int

	// ResultField is the JSON path of the ordered result list (default: "resultados").
	ResultField string

	// Timeout bounds one search request (default: 15s).
	Timeout time.Duration
}

// Retriever calls GET {BaseURL}/search?q=...&k=....
type Retriever struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Retriever.
func New(cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ResultField == "" {
		cfg.ResultField = DefaultResultField
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Retriever{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger.With("component", "retrieval"),
	}
}

// Retrieve returns the ranked snippets for text. On network errors or
// non-2xx responses it returns an empty list and an error wrapping
// ErrRetrievalFailed. A malformed body or a missing list yields an empty
// list and no error.
func (r *Retriever) Retrieve(ctx context.Context, text string) ([]Snippet, error) {
	q := url.Values{}
	q.Set("q", text)
	q.Set("k", strconv.Itoa(r.cfg.TopK))
	endpoint := r.cfg.BaseURL + "/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return []Snippet{}, fmt.Errorf("%w: build request: %v", ErrRetrievalFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return []Snippet{}, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return []Snippet{}, fmt.Errorf("%w: read body: %v", ErrRetrievalFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return []Snippet{}, fmt.Errorf("%w: status %d: %s", ErrRetrievalFailed, resp.StatusCode, truncate(string(body), 200))
	}

	snippets := ParseSnippets(body, r.cfg.ResultField)
	r.logger.Debug("context retrieved",
		"snippets", len(snippets),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snippets, nil
}

// ParseSnippets extracts the ordered list at field. Strings are used as-is,
// structured records keep their JSON text, null entries are skipped.
func ParseSnippets(body []byte, field string) []Snippet {
	if !gjson.ValidBytes(body) {
		return []Snippet{}
	}

	list := gjson.GetBytes(body, field)
	if !list.IsArray() {
		return []Snippet{}
	}

	items := list.Array()
	snippets := make([]Snippet, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case gjson.Null:
			continue
		case gjson.String:
			snippets = append(snippets, Snippet{Text: item.String()})
		case gjson.JSON:
			snippets = append(snippets, Snippet{Text: item.Get("@ugly").Raw, Record: true})
		default:
			snippets = append(snippets, Snippet{Text: item.Raw, Record: true})
		}
	}
	return snippets
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
