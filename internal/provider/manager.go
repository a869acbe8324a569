package provider

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

// managerClient talks to the provider-manager service, which fronts the
// actual cloud APIs. One instance is shared by all adapters; requests are
// namespaced by provider tag in the URL path.
type managerClient struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  zerolog.Logger
}

func newManagerClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *managerClient {
	return &managerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  log.With().Str("component", "provider-manager").Logger(),
	}
}

// do issues one JSON request under breaker admission and decodes the
// response into out when it is non-nil. Non-2xx responses become APIError.
func (m *managerClient) do(ctx context.Context, provider, op, method, path string, in, out interface{}) error {
	return m.breaker.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if in != nil {
			buf, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("encode %s request: %w", op, err)
			}
			body = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("build %s request: %w", op, err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		m.logger.Debug().
			Str("provider", provider).
			Str("op", op).
			Str("method", method).
			Str("path", path).
			Msg("Provider manager request")

		resp, err := m.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read %s response: %w", op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{
				Provider:   provider,
				Op:         op,
				StatusCode: resp.StatusCode,
				Body:       truncate(string(raw), 256),
			}
		}

		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Wire payloads for the provider-manager API.

type createServerRequest struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	ServerType string `json:"server_type"`
	Image      string `json:"image"`
}

type serverResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PublicIPv4    string `json:"public_ipv4"`
	Location      string `json:"location"`
	SSHPrivateKey string `json:"ssh_private_key,omitempty"`
}

type dnsRecordRequest struct {
	Domain string `json:"domain"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}