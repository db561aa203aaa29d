package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout bounds every primary and refresh request unless overridden.
const DefaultTimeout = 30 * time.Second

// Doer executes HTTP requests. *retry.Client from go-httpretry satisfies it;
// HTTPClientDoer adapts a plain *http.Client.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPClientDoer sends requests once, with no transport-level retries.
type HTTPClientDoer struct {
	Client *http.Client
}

func (d HTTPClientDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req.WithContext(ctx))
}

// IdempotentDoer sends idempotent requests through Retry and everything else
// through Once. A POST or PATCH the server completed before a timeout or 5xx
// must not be sent again.
type IdempotentDoer struct {
	Retry Doer
	Once  Doer
}

func (d IdempotentDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if isIdempotent(req.Method) {
		return d.Retry.DoWithContext(ctx, req)
	}
	return d.Once.DoWithContext(ctx, req)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// Observer is told about auth recovery as it happens, so a UI can show it.
// tui.Displayer implements it.
type Observer interface {
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
}

type noopObserver struct{}

func (noopObserver) AccessTokenRejected()    {}
func (noopObserver) Refreshing()             {}
func (noopObserver) RefreshOK()              {}
func (noopObserver) RefreshFailed(error)     {}
func (noopObserver) TokenRefreshedRetrying() {}

// classifyTransportError maps a failed round trip to the taxonomy. parent is
// the caller's context: only its cancellation counts as ErrCancelled, a
// per-request deadline is a network timeout.
func classifyTransportError(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out: %w", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// waitError maps the end of a caller's context while it waits on shared work.
func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
}
