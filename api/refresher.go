package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pocketbudget/budget-cli/credential"
)

// The app holds exactly one session, so every refresh joins the same cycle.
const sessionKey = "session"

// Refresher collapses concurrent "token may be stale" signals into a single
// call to the refresh endpoint and hands its outcome to every waiter.
//
// Backend refresh tokens rotate: sending the same refresh token twice can
// invalidate both requests, so at most one refresh call is ever in flight.
type Refresher struct {
	baseURL  string
	client   Doer
	store    credential.Store
	timeout  time.Duration
	logger   *log.Entry
	observer Observer

	group    singleflight.Group
	inFlight atomic.Bool
	calls    atomic.Int64

	mu        sync.Mutex
	onFailure []func(error)
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshClient sets the transport. It should not retry on its own: a
// rotated refresh token must be submitted at most once.
func WithRefreshClient(d Doer) RefresherOption {
	return func(r *Refresher) { r.client = d }
}

func WithRefreshTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRefreshObserver(o Observer) RefresherOption {
	return func(r *Refresher) {
		if o != nil {
			r.observer = o
		}
	}
}

func WithRefreshLogger(l *log.Entry) RefresherOption {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRefresher builds a refresher that calls baseURL+RefreshPath and keeps
// store up to date.
func NewRefresher(baseURL string, store credential.Store, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   HTTPClientDoer{Client: &http.Client{}},
		store:    store,
		timeout:  DefaultTimeout,
		logger:   log.WithField("component", "refresher"),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnFailure registers fn to run once for every failed refresh cycle, after
// the cycle ends and before its waiters are released.
func (r *Refresher) OnFailure(fn func(error)) {
	r.mu.Lock()
	r.onFailure = append(r.onFailure, fn)
	r.mu.Unlock()
}

// InFlight reports whether a refresh cycle is running.
func (r *Refresher) InFlight() bool { return r.inFlight.Load() }

// Calls returns how many refresh requests have been sent.
func (r *Refresher) Calls() int64 { return r.calls.Load() }

// Refresh obtains fresh credentials. stale is the access token the caller
// was rejected with. If a cycle is already running the caller waits for it
// instead of starting another.
//
// The shared cycle is detached from ctx: a caller that gives up gets
// ErrCancelled but the refresh carries on for everyone else.
func (r *Refresher) Refresh(ctx context.Context, stale string) (credential.Credentials, error) {
	if ctx.Err() != nil {
		return credential.Credentials{}, waitError(ctx)
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(sessionKey, func() (any, error) {
		return r.cycle(detached, stale)
	})

	select {
	case <-ctx.Done():
		return credential.Credentials{}, waitError(ctx)
	case res := <-ch:
		if res.Err != nil {
			return credential.Credentials{}, res.Err
		}
		return res.Val.(credential.Credentials), nil
	}
}

func (r *Refresher) cycle(ctx context.Context, stale string) (credential.Credentials, error) {
	r.inFlight.Store(true)
	defer r.inFlight.Store(false)

	current := r.store.Get()

	// A cycle that finished after the caller captured its token already
	// rotated the pair; reuse it instead of spending the new refresh token.
	if stale != "" && current.AccessToken != "" && current.AccessToken != stale {
		r.logger.Debug("access token already rotated, skipping refresh call")
		return current, nil
	}

	if current.RefreshToken == "" {
		r.fail(ErrNoRefreshToken)
		return credential.Credentials{}, ErrNoRefreshToken
	}

	bearer := stale
	if bearer == "" {
		bearer = current.AccessToken
	}

	r.observer.Refreshing()
	next, err := r.exchange(ctx, bearer, current.RefreshToken)
	if err != nil {
		err = fmt.Errorf("%w: refresh failed: %w", ErrUnauthorized, err)
		r.fail(err)
		return credential.Credentials{}, err
	}
	next.IdentityToken = current.IdentityToken

	// A logout while the call was in flight wins over its result.
	if !r.store.CompareAndSet(current.RefreshToken, next) {
		r.logger.Warn("credentials changed during refresh, discarding result")
		return credential.Credentials{}, fmt.Errorf("%w: session ended during refresh", ErrUnauthorized)
	}

	r.logger.WithField("access_token", next.Redacted().AccessToken).Info("access token refreshed")
	r.observer.RefreshOK()
	return next, nil
}

func (r *Refresher) fail(err error) {
	r.logger.WithError(err).Warn("token refresh failed")
	r.observer.RefreshFailed(err)

	r.mu.Lock()
	handlers := slices.Clone(r.onFailure)
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// exchange performs the single refresh HTTP call.
func (r *Refresher) exchange(ctx context.Context, bearer, refreshToken string) (credential.Credentials, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return credential.Credentials{}, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.baseURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return credential.Credentials{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	r.calls.Add(1)
	resp, err := r.client.DoWithContext(reqCtx, req)
	if err != nil {
		return credential.Credentials{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential.Credentials{}, fmt.Errorf("%w: failed to read response: %w", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return credential.Credentials{}, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        gjson.GetBytes(body, "error").String(),
			ErrorDescription: gjson.GetBytes(body, "error_description").String(),
		}
	}

	var tr refreshResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return credential.Credentials{}, fmt.Errorf("%w: failed to parse refresh response: %w", ErrDecoding, err)
	}
	if tr.AccessToken == "" {
		return credential.Credentials{}, fmt.Errorf("%w: access_token is empty", ErrDecoding)
	}

	// Servers with fixed refresh tokens omit it from the response.
	next := tr.RefreshToken
	if next == "" {
		next = refreshToken
	}
	return credential.Credentials{AccessToken: tr.AccessToken, RefreshToken: next}, nil
}
