package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"github.com/pocketbudget/budget-cli/api"
	"github.com/pocketbudget/budget-cli/credential"
	"github.com/pocketbudget/budget-cli/paging"
)

type budget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// backend plays the login, refresh and budgets endpoints with one rotation
// a1/r1 -> a2/r2.
type backend struct {
	mu            sync.Mutex
	validAccess   string
	refreshStatus int
	loginStatus   int
	requests      []string
	onLogin       func()

	refreshCalls atomic.Int32
}

func (b *backend) log(r *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r.URL.Path+" "+r.Header.Get("Authorization"))
	b.mu.Unlock()
}

func (b *backend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(api.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		b.log(r)
		if b.onLogin != nil {
			b.onLogin()
		}
		if b.loginStatus != 0 {
			w.WriteHeader(b.loginStatus)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer idtok1" {
			t.Errorf("login Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user":          map[string]string{"id": "u1", "email": "a@example.com"},
			"access_token":  "a1",
			"refresh_token": "r1",
		})
	})
	mux.HandleFunc(api.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		b.log(r)
		b.refreshCalls.Add(1)
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if b.refreshStatus != 0 || req.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		b.mu.Lock()
		b.validAccess = "a2"
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "a2", "refresh_token": "r2"})
	})
	mux.HandleFunc("/budgets", func(w http.ResponseWriter, r *http.Request) {
		b.log(r)
		b.mu.Lock()
		valid := "Bearer " + b.validAccess
		b.mu.Unlock()
		if r.Header.Get("Authorization") != valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"b1","name":"Home"},{"id":"b2","name":"Trip"}],
			"pagination":{"total":2,"page":1,"limit":20,"total_page":1}}`))
	})
	return mux
}

func (b *backend) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func newTestController(t *testing.T, b *backend) (*Controller, credential.Store) {
	t.Helper()
	srv := httptest.NewServer(b.handler(t))
	t.Cleanup(srv.Close)

	store := credential.NewMemoryStore(credential.Credentials{})
	c := New(Config{BaseURL: srv.URL, Store: store})
	return c, store
}

func budgetFetcher(c *Controller) paging.Fetcher[budget, string] {
	return func(ctx context.Context, page int, _ string) (paging.List[budget], error) {
		ep := api.Get("/budgets").WithQuery("page", strconv.Itoa(page))
		return api.Do[paging.List[budget]](ctx, c.Pipeline(), ep)
	}
}

func TestLoginRefreshAndList(t *testing.T) {
	b := &backend{validAccess: "a2"} // a1 is already stale on the server
	c, store := newTestController(t, b)

	user, err := c.Login(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "idtok1"}))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !strings.Contains(string(user), `"u1"`) {
		t.Errorf("user = %s", user)
	}
	if got := store.Get(); got.AccessToken != "a1" || got.RefreshToken != "r1" {
		t.Fatalf("after login store = %+v", got)
	}

	col := paging.New(budgetFetcher(c), func(b budget) string { return b.ID }, "", paging.Options[budget]{})
	untrack := c.Track(col)
	defer untrack()

	if err := col.Load(context.Background(), 1, false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	st := col.Snapshot()
	if len(st.Items) != 2 || st.HasMore {
		t.Errorf("items = %d hasMore = %v, want 2 false", len(st.Items), st.HasMore)
	}
	if got := store.Get(); got.AccessToken != "a2" || got.RefreshToken != "r2" || got.IdentityToken != "idtok1" {
		t.Errorf("final store = %+v", got)
	}

	want := []string{
		"/auth/login Bearer idtok1",
		"/budgets Bearer a1",
		"/auth/refresh-token Bearer a1",
		"/budgets Bearer a2",
	}
	got := b.recorded()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("requests = %v\nwant %v", got, want)
	}
	select {
	case <-c.Expired():
		t.Error("session must not be expired")
	default:
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	b := &backend{validAccess: "a2", refreshStatus: http.StatusUnauthorized}
	c, store := newTestController(t, b)
	store.Set(credential.Credentials{AccessToken: "a1", RefreshToken: "r1"})

	col := paging.New(budgetFetcher(c), func(b budget) string { return b.ID }, "", paging.Options[budget]{})
	col.Prepend(budget{ID: "cached"})
	c.Track(col)

	var expiredCalls atomic.Int32
	var expiredErr error
	c.OnExpired(func(err error) {
		expiredCalls.Add(1)
		expiredErr = err
	})

	// the forced logout invalidates the collection mid-load, so the load's
	// own result is discarded
	if err := col.Load(context.Background(), 1, false); err != nil {
		t.Fatalf("Load() error = %v, want the abandoned load to report nil", err)
	}

	if !store.Get().IsZero() {
		t.Errorf("store not cleared: %+v", store.Get())
	}
	if len(col.Items()) != 0 {
		t.Errorf("tracked collection kept %d items", len(col.Items()))
	}
	select {
	case <-c.Expired():
	default:
		t.Error("Expired() channel not closed")
	}
	if expiredCalls.Load() != 1 {
		t.Errorf("OnExpired calls = %d, want 1", expiredCalls.Load())
	}
	if !errors.Is(expiredErr, ErrSessionExpired) || !errors.Is(expiredErr, api.ErrUnauthorized) {
		t.Errorf("expired error = %v", expiredErr)
	}
	if c.IsLoggedIn() {
		t.Error("IsLoggedIn() = true after forced logout")
	}
}

func TestExpiredResetsOnLogin(t *testing.T) {
	b := &backend{validAccess: "a1"}
	c, store := newTestController(t, b)
	store.Set(credential.Credentials{AccessToken: "stale"})

	// no refresh token: the first 401 ends the session
	_, err := api.Do[paging.List[budget]](context.Background(), c.Pipeline(), api.Get("/budgets"))
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("error = %v", err)
	}
	first := c.Expired()
	select {
	case <-first:
	default:
		t.Fatal("Expired() not closed")
	}

	if _, err := c.Login(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "idtok1"})); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	select {
	case <-c.Expired():
		t.Error("Expired() still closed after a new login")
	default:
	}
}

func TestLoginFailureRestoresCredentials(t *testing.T) {
	b := &backend{loginStatus: http.StatusUnauthorized}
	c, store := newTestController(t, b)
	prev := credential.Credentials{AccessToken: "keep-a", RefreshToken: "keep-r"}
	store.Set(prev)

	_, err := c.Login(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "idtok1"}))
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("Login() error = %v, want ErrUnauthorized", err)
	}
	if got := store.Get(); got != prev {
		t.Errorf("store = %+v, want %+v", got, prev)
	}
	if b.refreshCalls.Load() != 0 {
		t.Error("a rejected login must not refresh")
	}
	select {
	case <-c.Expired():
		t.Error("a rejected login must not expire the session")
	default:
	}
}

func TestLoginLeavesStoreUntilAccepted(t *testing.T) {
	b := &backend{}
	c, store := newTestController(t, b)
	prev := credential.Credentials{AccessToken: "keep-a", RefreshToken: "keep-r", IdentityToken: "old-id"}
	store.Set(prev)

	var during credential.Credentials
	b.onLogin = func() { during = store.Get() }

	if _, err := c.Login(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "idtok1"})); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if during != prev {
		t.Errorf("store during login = %+v, want %+v", during, prev)
	}
	want := credential.Credentials{AccessToken: "a1", RefreshToken: "r1", IdentityToken: "idtok1"}
	if got := store.Get(); got != want {
		t.Errorf("store after login = %+v, want %+v", got, want)
	}
}

func TestLoginRequiresIdentity(t *testing.T) {
	c, _ := newTestController(t, &backend{})
	if _, err := c.Login(context.Background(), nil); err == nil {
		t.Error("Login(nil) succeeded")
	}
	if _, err := c.Login(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{})); err == nil {
		t.Error("Login with empty token succeeded")
	}
}

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) Invalidate() { c.n.Add(1) }

func TestTrackAndLogout(t *testing.T) {
	c, store := newTestController(t, &backend{})
	store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"})

	kept := &countingInvalidator{}
	dropped := &countingInvalidator{}
	c.Track(kept)
	untrack := c.Track(dropped)
	untrack()

	c.MarkNeedsInitialSetup()
	c.Logout()

	if kept.n.Load() != 1 || dropped.n.Load() != 0 {
		t.Errorf("invalidations kept=%d dropped=%d, want 1 0", kept.n.Load(), dropped.n.Load())
	}
	if c.IsLoggedIn() || c.NeedsInitialSetup() {
		t.Error("Logout left session state behind")
	}
	select {
	case <-c.Expired():
		t.Error("a voluntary logout must not signal expiry")
	default:
	}
}

func TestNeedsInitialSetup(t *testing.T) {
	c, _ := newTestController(t, &backend{})

	if !c.MarkNeedsInitialSetup() {
		t.Error("first MarkNeedsInitialSetup() = false")
	}
	if c.MarkNeedsInitialSetup() {
		t.Error("second MarkNeedsInitialSetup() = true")
	}
	if !c.NeedsInitialSetup() {
		t.Error("NeedsInitialSetup() = false")
	}
	c.ClearInitialSetup()
	if c.NeedsInitialSetup() {
		t.Error("ClearInitialSetup() did not clear")
	}
}
