package symbolicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kiranshivaraju/bugtrap/internal/config"
)

// Sentinel errors for source map fetch failures.
var (
	ErrFetchUnreachable = errors.New("source map host unreachable")
	ErrFetchTimeout     = errors.New("source map fetch timeout")
	ErrFetchTooLarge    = errors.New("source map exceeds size limit")
	ErrFetchStatus      = errors.New("source map fetch failed")
)

// StatusError is a non-200 response from the map host.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d", e.Code) }
func (e *StatusError) Unwrap() error { return ErrFetchStatus }

// Fetcher retrieves raw source map bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher implements Fetcher with a per-attempt timeout, a body size
// ceiling and a fixed number of immediate retries.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	retries  int
	timeout  time.Duration
}

// NewHTTPFetcher creates an HTTPFetcher from the network policy. A nil
// transport uses http.DefaultTransport; either way requests are traced.
func NewHTTPFetcher(cfg config.NetConfig, transport http.RoundTripper) *HTTPFetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPFetcher{
		client:   &http.Client{Transport: otelhttp.NewTransport(transport)},
		maxBytes: cfg.MaxFileBytes,
		retries:  cfg.Retry,
		timeout:  cfg.Timeout,
	}
}

// Fetch makes up to 1+retries attempts. Oversized bodies and 4xx responses
// are final; timeouts, connection failures and 5xx responses are retried.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, classifyError(err)
		}
		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %w", url, &StatusError{Code: resp.StatusCode})
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFetchTooLarge, resp.ContentLength, f.maxBytes)
	}

	var r io.Reader = resp.Body
	if f.maxBytes > 0 {
		r = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyError(err)
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFetchTooLarge, f.maxBytes)
	}
	return body, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return errors.Is(err, ErrFetchTimeout) || errors.Is(err, ErrFetchUnreachable)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetchUnreachable, err)
}
