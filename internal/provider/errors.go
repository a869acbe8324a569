package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// UnknownProviderError is returned when no gateway is registered for a tag.
type UnknownProviderError struct {
	Name  string
	Known []string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q, registered: %s", e.Name, strings.Join(e.Known, ", "))
}

// CatalogError is returned when a ServerSpec names a location, type, or image
// outside the adapter's catalog.
type CatalogError struct {
	Provider string
	Field    string
	Value    string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("provider %s: %s %q not in catalog", e.Provider, e.Field, e.Value)
}

// SetupFailedError is returned when the setup script exits non-zero on the
// target machine. It carries the exit code and trailing output for the
// failure notification.
type SetupFailedError struct {
	Host     string
	ExitCode int
	Output   string
}

func (e *SetupFailedError) Error() string {
	return fmt.Sprintf("setup script failed on %s with exit code %d", e.Host, e.ExitCode)
}

// DNSZoneNotFoundError is returned when the domain's zone does not exist at
// the provider. Not retryable.
type DNSZoneNotFoundError struct {
	Domain string
}

func (e *DNSZoneNotFoundError) Error() string {
	return fmt.Sprintf("dns zone not found for domain %s", e.Domain)
}

// APIError is a non-2xx response from the provider manager.
type APIError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: %s returned %d: %s", e.Provider, e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying. Server-side
// failures, throttling and timeouts are; other client errors are not.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// IsTemporary reports whether err (anywhere in its chain) is a retryable
// provider failure. Network-level errors without a status are treated as
// temporary by the callers, not here.
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}
