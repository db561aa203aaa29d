// Package session owns the login lifecycle of the single backend session.
//
// A Controller is constructed once at the composition root and injected
// wherever lists or API calls are made; there is no package-level session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/pocketbudget/budget-cli/api"
	"github.com/pocketbudget/budget-cli/credential"
)

// ErrSessionExpired is reported to OnExpired handlers and wraps the error
// that ended the session.
var ErrSessionExpired = errors.New("session expired")

// Invalidator is anything holding session-scoped data that must be dropped
// on logout. paging.Collection implements it.
type Invalidator interface {
	Invalidate()
}

// Config wires a Controller to its backend.
type Config struct {
	BaseURL string
	Store   credential.Store

	// HTTPClient carries ordinary API calls. RefreshClient carries the
	// refresh call and should not retry on its own.
	HTTPClient    api.Doer
	RefreshClient api.Doer

	Timeout   time.Duration
	UserAgent string
	Observer  api.Observer
	Logger    *log.Entry
}

// Controller composes the credential store, refresher and pipeline.
type Controller struct {
	store     credential.Store
	refresher *api.Refresher
	pipeline  *api.Pipeline
	logger    *log.Entry

	mu        sync.Mutex
	tracked   map[int]Invalidator
	nextID    int
	user      json.RawMessage
	expired   chan struct{}
	expiredOK bool
	onExpired []func(error)

	needsSetup atomic.Bool
}

// New builds a controller. Refresh failures and post-refresh rejections both
// end the session through the same forced logout.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "session")
	}

	c := &Controller{
		store:   cfg.Store,
		logger:  logger,
		tracked: map[int]Invalidator{},
		expired: make(chan struct{}),
	}

	refreshOpts := []api.RefresherOption{
		api.WithRefreshTimeout(cfg.Timeout),
		api.WithRefreshObserver(cfg.Observer),
		api.WithRefreshLogger(logger.WithField("component", "refresher")),
	}
	if cfg.RefreshClient != nil {
		refreshOpts = append(refreshOpts, api.WithRefreshClient(cfg.RefreshClient))
	}
	c.refresher = api.NewRefresher(cfg.BaseURL, cfg.Store, refreshOpts...)
	c.refresher.OnFailure(c.forceLogout)

	pipelineOpts := []api.Option{
		api.WithHTTPClient(cfg.HTTPClient),
		api.WithTimeout(cfg.Timeout),
		api.WithObserver(cfg.Observer),
		api.WithLogger(logger.WithField("component", "pipeline")),
		api.WithUnauthorizedHandler(c.forceLogout),
	}
	if cfg.UserAgent != "" {
		pipelineOpts = append(pipelineOpts, api.WithUserAgent(cfg.UserAgent))
	}
	c.pipeline = api.NewPipeline(cfg.BaseURL, cfg.Store, c.refresher, pipelineOpts...)
	return c
}

func (c *Controller) Pipeline() *api.Pipeline   { return c.pipeline }
func (c *Controller) Refresher() *api.Refresher { return c.refresher }
func (c *Controller) Store() credential.Store   { return c.store }

type loginResponse struct {
	User         json.RawMessage `json:"user"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
}

// Login exchanges the identity-provider token from identity for backend
// tokens and returns the user payload. The store is only written once the
// backend accepts the token, so a failed login leaves the previous session
// in place.
func (c *Controller) Login(ctx context.Context, identity oauth2.TokenSource) (json.RawMessage, error) {
	if identity == nil {
		return nil, errors.New("identity token source is required")
	}
	tok, err := identity.Token()
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("identity provider returned an empty token")
	}

	ep := api.LoginEndpoint().WithIdentityToken(tok.AccessToken)
	resp, err := api.Do[loginResponse](ctx, c.pipeline, ep)
	if err == nil && resp.AccessToken == "" {
		err = fmt.Errorf("%w: login response has no access_token", api.ErrDecoding)
	}
	if err != nil {
		return nil, err
	}

	c.store.Set(credential.Credentials{
		AccessToken:   resp.AccessToken,
		RefreshToken:  resp.RefreshToken,
		IdentityToken: tok.AccessToken,
	})

	c.mu.Lock()
	c.user = resp.User
	if c.expiredOK {
		c.expired = make(chan struct{})
		c.expiredOK = false
	}
	c.mu.Unlock()
	c.needsSetup.Store(false)

	c.logger.Info("logged in")
	return resp.User, nil
}

// Refresh forces a token refresh for the current session.
func (c *Controller) Refresh(ctx context.Context) error {
	_, err := c.refresher.Refresh(ctx, c.store.Get().AccessToken)
	return err
}

// Logout clears the credentials and drops every tracked collection's data.
func (c *Controller) Logout() {
	c.store.Clear()

	c.mu.Lock()
	c.user = nil
	tracked := make([]Invalidator, 0, len(c.tracked))
	for _, inv := range c.tracked {
		tracked = append(tracked, inv)
	}
	c.mu.Unlock()

	for _, inv := range tracked {
		inv.Invalidate()
	}
	c.needsSetup.Store(false)
	c.logger.Info("logged out")
}

// forceLogout ends a session the server no longer accepts and signals
// expiry to the UI layer once.
func (c *Controller) forceLogout(cause error) {
	c.Logout()

	c.mu.Lock()
	if c.expiredOK {
		c.mu.Unlock()
		return
	}
	c.expiredOK = true
	close(c.expired)
	handlers := slices.Clone(c.onExpired)
	c.mu.Unlock()

	c.logger.WithError(cause).Warn("session expired, logged out")
	err := fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	for _, fn := range handlers {
		fn(err)
	}
}

// Expired returns a channel closed when the current session is forcibly
// ended. A later Login starts a new channel.
func (c *Controller) Expired() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// OnExpired registers fn to run when the session is forcibly ended.
func (c *Controller) OnExpired(fn func(error)) {
	c.mu.Lock()
	c.onExpired = append(c.onExpired, fn)
	c.mu.Unlock()
}

// IsLoggedIn reports whether credentials for a session are present.
func (c *Controller) IsLoggedIn() bool {
	return c.store.Get().HasSession()
}

// User returns the user payload from the last login in this process.
func (c *Controller) User() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Track registers inv to be invalidated on logout. The returned func
// unregisters it when its screen is torn down.
func (c *Controller) Track(inv Invalidator) (untrack func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.tracked[id] = inv
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.tracked, id)
		c.mu.Unlock()
	}
}

// NeedsInitialSetup reports whether a list signalled that the account has no
// data yet.
func (c *Controller) NeedsInitialSetup() bool { return c.needsSetup.Load() }

// MarkNeedsInitialSetup sets the initial-setup flag. It returns true only for
// the call that set it.
func (c *Controller) MarkNeedsInitialSetup() bool {
	return c.needsSetup.CompareAndSwap(false, true)
}

// ClearInitialSetup resets the flag once setup is done.
func (c *Controller) ClearInitialSetup() { c.needsSetup.Store(false) }
