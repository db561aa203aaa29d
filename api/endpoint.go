package api

import (
	"maps"
	"net/http"
	"net/url"
)

// AuthPolicy selects which bearer credential an endpoint is called with.
type AuthPolicy int

const (
	// AuthAccessToken sends the session access token. It is the default.
	AuthAccessToken AuthPolicy = iota
	// AuthNone sends no Authorization header.
	AuthNone
	// AuthIdentityToken sends the identity-provider token. Only the login
	// call uses it.
	AuthIdentityToken
)

func (p AuthPolicy) String() string {
	switch p {
	case AuthNone:
		return "none"
	case AuthIdentityToken:
		return "identity_token"
	default:
		return "access_token"
	}
}

const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh-token"
)

// Endpoint describes one API call. Values are treated as immutable; the
// With* helpers return modified copies.
type Endpoint struct {
	Method string
	Path   string
	Query  url.Values
	Auth   AuthPolicy
	Body   any

	identity string
}

func Get(path string) Endpoint    { return Endpoint{Method: http.MethodGet, Path: path} }
func Post(path string) Endpoint   { return Endpoint{Method: http.MethodPost, Path: path} }
func Patch(path string) Endpoint  { return Endpoint{Method: http.MethodPatch, Path: path} }
func Put(path string) Endpoint    { return Endpoint{Method: http.MethodPut, Path: path} }
func Delete(path string) Endpoint { return Endpoint{Method: http.MethodDelete, Path: path} }

// LoginEndpoint exchanges the identity-provider token for backend tokens.
func LoginEndpoint() Endpoint {
	return Endpoint{Method: http.MethodPost, Path: LoginPath, Auth: AuthIdentityToken}
}

// Refreshable reports whether an auth failure on this endpoint may be
// recovered by refreshing the access token. The auth endpoints themselves
// never are.
func (e Endpoint) Refreshable() bool {
	if e.Path == LoginPath || e.Path == RefreshPath {
		return false
	}
	return e.Auth == AuthAccessToken
}

// WithQuery returns a copy of e with key set to value.
func (e Endpoint) WithQuery(key, value string) Endpoint {
	q := url.Values{}
	if e.Query != nil {
		q = maps.Clone(e.Query)
	}
	q.Set(key, value)
	e.Query = q
	return e
}

// WithBody returns a copy of e carrying body, serialized as JSON.
func (e Endpoint) WithBody(body any) Endpoint {
	e.Body = body
	return e
}

// WithAuth returns a copy of e using policy.
func (e Endpoint) WithAuth(policy AuthPolicy) Endpoint {
	e.Auth = policy
	return e
}

// WithIdentityToken returns a copy of e sent with the identity-provider token
// tok, ahead of any configured source or stored token.
func (e Endpoint) WithIdentityToken(tok string) Endpoint {
	e.Auth = AuthIdentityToken
	e.identity = tok
	return e
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
