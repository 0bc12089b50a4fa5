// Package fetch retrieves raw feed documents over HTTP.
//
// All failure modes surface as *Error with a Kind so the scheduler can record
// per-source status without inspecting error strings. Transient failures
// (network errors and 5xx responses) get exactly one retry; client errors
// never do, a 404 will still be a 404 a second later.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultTimeout bounds one HTTP attempt end to end.
	DefaultTimeout = 30 * time.Second

	// MaxBodyBytes caps how much of a response body is read. Feeds beyond
	// this are truncated, which the parser then rejects as malformed.
	MaxBodyBytes = 10 << 20

	defaultUserAgent = "feedpulse/1.0 (+https://github.com/feedpulse/feedpulse)"
)

// Kind classifies a fetch failure.
type Kind string

const (
	// KindRequest covers failures before anything hits the wire: malformed
	// URLs and unsupported schemes. The URL will be just as broken on a
	// second attempt, so these are never retried.
	KindRequest Kind = "request"
	// KindNetwork covers DNS, connect, TLS, timeout and body-read failures.
	KindNetwork Kind = "network"
	// KindHTTP covers non-2xx status codes.
	KindHTTP Kind = "http"
)

// Error is a failed fetch. StatusCode is zero for KindNetwork.
type Error struct {
	Kind       Kind
	StatusCode int
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: network errors
// and server-side 5xx yes, everything else no.
func (e *Error) Transient() bool {
	return e.Kind == KindNetwork || e.StatusCode >= 500
}

// Fetcher performs bounded HTTP GETs with a single transient retry.
type Fetcher struct {
	client    *http.Client
	userAgent string
	// retries is the number of extra attempts after the first failure.
	retries int
}

// New builds a Fetcher with the default timeout and user agent.
func New() *Fetcher {
	return NewWithClient(&http.Client{Timeout: DefaultTimeout})
}

// NewWithClient builds a Fetcher around a caller-supplied client, mainly for
// tests that want a short timeout.
func NewWithClient(client *http.Client) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: defaultUserAgent,
		retries:   1,
	}
}

// Fetch GETs url and returns at most MaxBodyBytes of the response body.
// A transient failure is retried once after an exponential backoff delay;
// the second failure is returned as-is. A URL that cannot become a request
// at all fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if u, err := neturl.Parse(url); err != nil {
		return nil, &Error{Kind: KindRequest, URL: url, Err: err}
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Kind: KindRequest, URL: url, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, &Error{Kind: KindNetwork, URL: url, Err: ctx.Err()}
			}
		}

		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var fe *Error
		if !errors.As(err, &fe) || !fe.Transient() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindRequest, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	return body, nil
}
