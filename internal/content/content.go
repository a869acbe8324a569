// Package content is the client for the content-generation microservice.
// Generation is a long call: one request covers a whole batch of pages and
// the service reports per-page failures inline rather than failing the batch.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/circuitbreaker"
)

// Kind selects the generation mode on the service side.
type Kind string

const (
	KindStructure Kind = "structure"
	KindPages     Kind = "pages"
	KindRefresh   Kind = "refresh"
	KindExtraPage Kind = "extra_page"
	KindBuild     Kind = "build"
)

// Params describes one generation batch.
type Params struct {
	Kind        Kind   `json:"kind"`
	Keyword     string `json:"keyword,omitempty"`
	Domain      string `json:"domain,omitempty"`
	PagesNumber int    `json:"pages_number"`
}

// Page is one generated unit. Content is opaque to this service.
type Page struct {
	Topic   string `json:"topic"`
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	Content []byte `json:"content"`
}

// Failure is a per-page generation failure inside an otherwise successful
// batch.
type Failure struct {
	Topic  string `json:"topic"`
	Reason string `json:"reason"`
}

// Artifacts is the batch outcome.
type Artifacts struct {
	Pages    []Page    `json:"pages"`
	Failures []Failure `json:"failures"`
	Link     string    `json:"link,omitempty"`
}

// APIError is a non-2xx response from the content service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("content service returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// Client calls the content service under circuit-breaker admission.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  zerolog.Logger
}

// NewClient creates a content service client.
func NewClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  log.With().Str("component", "content-client").Logger(),
	}
}

// Generate runs one batch. Per-page failures come back inside Artifacts; an
// error return means the batch as a whole did not run.
func (c *Client) Generate(ctx context.Context, params Params) (*Artifacts, error) {
	var artifacts Artifacts
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode generate request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build generate request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		c.logger.Debug().
			Str("kind", string(params.Kind)).
			Int("pages", params.PagesNumber).
			Msg("Content generation request")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return fmt.Errorf("read generate response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := string(raw)
			if len(msg) > 256 {
				msg = msg[:256] + "..."
			}
			return &APIError{StatusCode: resp.StatusCode, Body: msg}
		}
		if err := json.Unmarshal(raw, &artifacts); err != nil {
			return fmt.Errorf("decode generate response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("kind", string(params.Kind)).
		Int("pages", len(artifacts.Pages)).
		Int("failures", len(artifacts.Failures)).
		Msg("Content generation finished")
	return &artifacts, nil
}
