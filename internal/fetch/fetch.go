// Package fetch retrieves reference images. A locator that starts with an
// http:// or https:// scheme is downloaded; anything else is read from the
// local filesystem, which keeps local development and tests simple.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Timeout bounds a single reference download.
const Timeout = 10 * time.Second

const DefaultMaxBytes int64 = 10 << 20

var (
	ErrFetch    = errors.New("reference fetch failed")
	ErrTooLarge = errors.New("reference image exceeds size limit")
)

// Fetcher retrieves the bytes behind a reference locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

type Resolver struct {
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
}

type Option func(*Resolver)

// WithHTTPClient replaces the default client. The client's own timeout is
// ignored in favour of Timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client:   &http.Client{},
		maxBytes: DefaultMaxBytes,
		timeout:  Timeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsURL reports whether locator is treated as a network address.
func IsURL(locator string) bool {
	lower := strings.ToLower(locator)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Fetch makes exactly one attempt. Every failure wraps ErrFetch.
func (r *Resolver) Fetch(ctx context.Context, locator string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if IsURL(locator) {
		data, err = r.fetchHTTP(ctx, locator)
	} else {
		data, err = r.readFile(locator)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return data, nil
}

func (r *Resolver) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if resp.ContentLength > r.maxBytes {
		return nil, ErrTooLarge
	}

	return readLimited(resp.Body, r.maxBytes)
}

func (r *Resolver) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > r.maxBytes {
		return nil, ErrTooLarge
	}

	return readLimited(f, r.maxBytes)
}

func readLimited(src io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
