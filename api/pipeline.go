// Package api executes authenticated calls against the budgeting backend.
//
// A Pipeline attaches the right bearer credential to each Endpoint, classifies
// the response, and recovers from a rejected access token by refreshing it
// once through the shared Refresher and retrying the call once. No call is
// ever sent more than twice.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/pocketbudget/budget-cli/credential"
)

// Pipeline is the single path every backend call takes.
type Pipeline struct {
	baseURL   string
	client    Doer
	store     credential.Store
	refresher *Refresher
	identity  oauth2.TokenSource
	timeout   time.Duration
	userAgent string
	logger    *log.Entry
	observer  Observer

	mu             sync.Mutex
	onUnauthorized []func(error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets the transport, typically a go-httpretry client.
func WithHTTPClient(d Doer) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.client = d
		}
	}
}

// WithIdentitySource sets where identity-provider tokens come from. Without
// one, the identity token saved in the credential store is used.
func WithIdentitySource(ts oauth2.TokenSource) Option {
	return func(p *Pipeline) { p.identity = ts }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

func WithLogger(l *log.Entry) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(p *Pipeline) { p.userAgent = ua }
}

// WithUnauthorizedHandler registers fn to run when a call is rejected again
// after a successful refresh.
func WithUnauthorizedHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onUnauthorized = append(p.onUnauthorized, fn) }
}

// NewPipeline returns a pipeline for the backend at baseURL. refresher may be
// nil, in which case a rejected access token is immediately ErrUnauthorized.
func NewPipeline(baseURL string, store credential.Store, refresher *Refresher, opts ...Option) *Pipeline {
	p := &Pipeline{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    HTTPClientDoer{Client: &http.Client{}},
		store:     store,
		refresher: refresher,
		timeout:   DefaultTimeout,
		userAgent: "budget-cli",
		logger:    log.WithField("component", "pipeline"),
		observer:  noopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnUnauthorized registers fn like WithUnauthorizedHandler.
func (p *Pipeline) OnUnauthorized(fn func(error)) {
	p.mu.Lock()
	p.onUnauthorized = append(p.onUnauthorized, fn)
	p.mu.Unlock()
}

// BaseURL returns the backend root the pipeline talks to.
func (p *Pipeline) BaseURL() string { return p.baseURL }

// Store returns the credential store the pipeline reads bearer tokens from.
func (p *Pipeline) Store() credential.Store { return p.store }

// Refresher returns the refresher shared by this pipeline.
func (p *Pipeline) Refresher() *Refresher { return p.refresher }

// Do executes ep and decodes a successful response body into a T.
func Do[T any](ctx context.Context, p *Pipeline, ep Endpoint) (T, error) {
	var out T
	err := p.Execute(ctx, ep, &out)
	return out, err
}

// Execute sends ep and decodes a 2xx body into out, which may be nil when
// the body is not needed.
func (p *Pipeline) Execute(ctx context.Context, ep Endpoint, out any) error {
	token, err := p.bearer(ctx, ep)
	if err != nil {
		return err
	}

	status, body, err := p.send(ctx, ep, token, 1)
	if err != nil {
		return err
	}

	if isAuthFailure(status) {
		if !ep.Refreshable() {
			return unauthorized(status, body)
		}
		if p.refresher == nil {
			err := unauthorized(status, body)
			p.unauthorized(err)
			return err
		}

		p.observer.AccessTokenRejected()
		p.logger.WithFields(log.Fields{"path": ep.Path, "status": status}).
			Info("access token rejected, refreshing")

		creds, err := p.refresher.Refresh(ctx, token)
		if err != nil {
			return err
		}

		p.observer.TokenRefreshedRetrying()
		status, body, err = p.send(ctx, ep, creds.AccessToken, 2)
		if err != nil {
			return err
		}
		if isAuthFailure(status) {
			err := unauthorized(status, body)
			p.unauthorized(err)
			return err
		}
	}

	return decode(status, body, out)
}

func (p *Pipeline) unauthorized(err error) {
	p.logger.WithError(err).Warn("session rejected by server")

	p.mu.Lock()
	handlers := slices.Clone(p.onUnauthorized)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// bearer picks the credential ep is sent with. An empty access token is not
// an error here: the server's 401 starts the refresh path.
func (p *Pipeline) bearer(ctx context.Context, ep Endpoint) (string, error) {
	switch ep.Auth {
	case AuthNone:
		return "", nil
	case AuthIdentityToken:
		if ep.identity != "" {
			return ep.identity, nil
		}
		if p.identity != nil {
			tok, err := p.identity.Token()
			if err != nil {
				if ctx.Err() != nil {
					return "", waitError(ctx)
				}
				return "", fmt.Errorf("%w: identity token unavailable: %w", ErrUnauthorized, err)
			}
			return tok.AccessToken, nil
		}
		if t := p.store.Get().IdentityToken; t != "" {
			return t, nil
		}
		return "", fmt.Errorf("%w: no identity token", ErrUnauthorized)
	default:
		return p.store.Get().AccessToken, nil
	}
}

// send performs one attempt and returns the status and the whole body.
func (p *Pipeline) send(ctx context.Context, ep Endpoint, token string, attempt int) (int, []byte, error) {
	if ctx.Err() != nil {
		return 0, nil, waitError(ctx)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var payload io.Reader
	if ep.Body != nil {
		data, err := encodeBody(ep.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	target := p.baseURL + ep.Path
	if len(ep.Query) > 0 {
		target += "?" + ep.Query.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, ep.Method, target, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	entry := p.logger.WithFields(log.Fields{
		"request_id": requestID,
		"method":     ep.Method,
		"path":       ep.Path,
		"attempt":    attempt,
	})

	start := time.Now()
	resp, err := p.client.DoWithContext(reqCtx, req)
	if err != nil {
		// go-httpretry hands back the last response along with its RetryError.
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		err = classifyTransportError(ctx, err)
		if !errors.Is(err, ErrCancelled) {
			entry.WithError(err).Warn("request failed")
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, classifyTransportError(ctx, err)
	}

	entry.WithFields(log.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("request completed")

	return resp.StatusCode, body, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func decode(status int, body []byte, out any) error {
	if status < 200 || status > 299 {
		return newStatusError(status, body)
	}
	if out == nil || status == http.StatusNoContent {
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty response body", ErrDecoding)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	return nil
}
