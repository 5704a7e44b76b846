package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/campusops/syncengine/errs"
)

const defaultSyncTimeout = 5 * time.Second

// HTTPAdapter propagates entity changes to one downstream service over HTTP.
type HTTPAdapter struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithTimeout overrides the outbound call timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		if timeout > 0 {
			a.client.Timeout = timeout
		}
	}
}

// WithRateLimit caps outbound calls at rps requests per second.
func WithRateLimit(rps float64) HTTPOption {
	return func(a *HTTPAdapter) {
		if rps > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithHTTPClient replaces the underlying client, primarily for testing.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

// NewHTTPAdapter constructs an adapter for the named downstream service.
func NewHTTPAdapter(name, baseURL string, opts ...HTTPOption) *HTTPAdapter {
	adapter := &HTTPAdapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultSyncTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	return adapter
}

// Name returns the downstream service name.
func (a *HTTPAdapter) Name() string { return a.name }

// SyncCreate propagates an entity creation.
func (a *HTTPAdapter) SyncCreate(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	return a.send(ctx, http.MethodPost, fmt.Sprintf("%s/sync/%s", a.baseURL, entityType), payload)
}

// SyncUpdate propagates an entity update.
func (a *HTTPAdapter) SyncUpdate(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	return a.send(ctx, http.MethodPut, fmt.Sprintf("%s/sync/%s/%s", a.baseURL, entityType, entityID), payload)
}

// SyncDelete propagates an entity deletion.
func (a *HTTPAdapter) SyncDelete(ctx context.Context, entityType, entityID string, _ json.RawMessage) error {
	return a.send(ctx, http.MethodDelete, fmt.Sprintf("%s/sync/%s/%s", a.baseURL, entityType, entityID), nil)
}

func (a *HTTPAdapter) send(ctx context.Context, method, url string, payload json.RawMessage) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("adapter %s: rate wait: %w", a.name, err)
		}
	}
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("adapter %s: build request: %w", a.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return errs.New(a.name, errs.CodeDownstream, errs.WithMessage("sync call failed"), errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(a.name, errs.CodeDownstream,
			errs.WithMessage(fmt.Sprintf("sync call returned %d", resp.StatusCode)),
			errs.WithHTTP(resp.StatusCode))
	}
	return nil
}
