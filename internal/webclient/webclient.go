// Package webclient abstracts page fetching behind a small interface so
// callers can swap a plain net/http backend for a headless-browser backend
// that waits for framework-driven rendering to settle.
package webclient

import (
	"context"
	"net/http"
	"time"
)

// Request describes a single fetch.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Response is the outcome of a fetch. Body holds the full document as served
// (nethttp) or as rendered (chromedp).
type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
}

// WebClient executes requests. Implementations must be safe for reuse.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	Close() error
}

// Backend names for Config.Backend.
const (
	BackendNetHTTP  = "nethttp"
	BackendChromeDP = "chromedp"
)

// Config selects and tunes the backend constructed by NewWebClient.
type Config struct {
	// Backend is one of the Backend* constants; empty means nethttp.
	Backend string

	// Timeout bounds a nethttp fetch. Zero means 30s.
	Timeout time.Duration

	// IdleAfter is how long the chromedp backend waits with no in-flight
	// network activity before considering the page settled. Zero means 2s.
	IdleAfter time.Duration

	// Headless controls the chromedp backend; defaults to true.
	Headful bool
}
