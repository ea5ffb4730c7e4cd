// Package llm invokes the generation model that writes the reply text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-1.5-flash"

	// DefaultNoAnswer is returned when the model produces no text.
	DefaultNoAnswer = "No answer available."

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// ErrGenerationFailed marks network, HTTP and API errors from the model.
var ErrGenerationFailed = errors.New("generation failed")

// Config configures the Gemini client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string

	// Timeout bounds one generateContent call including retries. Zero keeps
	// the transport default (no overall deadline).
	Timeout time.Duration

	// MaxRetries re-sends the request on 429/5xx before giving up.
	MaxRetries int

	// NoAnswer is returned when the response carries no text.
	NoAnswer string
}

// Gemini calls models/{model}:generateContent.
type Gemini struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewGemini creates a client.
func NewGemini(cfg Config, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.NoAnswer == "" {
		cfg.NoAnswer = DefaultNoAnswer
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Gemini{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger.With("component", "llm", "model", cfg.Model),
	}
}

type generateContentRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generateContentResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	Error         *apiError      `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gemini error %d (%s): %s", e.Code, e.Status, e.Message)
}

// Generate sends prompt as a single user turn and returns the text of the
// first candidate. A response without text yields the NoAnswer string.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.cfg.BaseURL, g.cfg.Model)

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			g.logger.Debug("retrying generation", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrGenerationFailed, ctx.Err())
			}
		}

		resp, retryable, err := g.do(ctx, endpoint, body)
		if err != nil {
			lastErr = err
			if retryable && ctx.Err() == nil {
				continue
			}
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}

		if resp.UsageMetadata != nil {
			g.logger.Debug("generation completed",
				"prompt_tokens", resp.UsageMetadata.PromptTokenCount,
				"output_tokens", resp.UsageMetadata.CandidatesTokenCount,
			)
		}

		text := firstText(resp)
		if text == "" {
			g.logger.Warn("model returned no text, using fallback")
			return g.cfg.NoAnswer, nil
		}
		return text, nil
	}

	return "", fmt.Errorf("%w: max retries exceeded: %v", ErrGenerationFailed, lastErr)
}

// do performs one HTTP round trip and reports whether a failure is retryable.
func (g *Gemini) do(ctx context.Context, endpoint string, body []byte) (*generateContentResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	var result generateContentResponse
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(respBody, &result) == nil && result.Error != nil {
			return nil, isRetryableStatus(resp.StatusCode), result.Error
		}
		return nil, isRetryableStatus(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, false, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, isRetryableStatus(result.Error.Code), result.Error
	}
	return &result, false, nil
}

// firstText concatenates the text parts of the first candidate.
func firstText(resp *generateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String())
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func calculateBackoff(attempt int) time.Duration {
	backoff := initialBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
	return backoff + jitter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
