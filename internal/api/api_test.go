package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/wso2"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv stands up a fake provider, a fake upstream gateway, and the facade.
type testEnv struct {
	provider   *httptest.Server
	upstream   *httptest.Server
	server     *Server
	tokenCalls atomic.Int32

	lastUpstreamAuth   string
	lastUpstreamCookie string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	providerMux := http.NewServeMux()
	providerMux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		env.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
	})
	providerMux.HandleFunc("/oauth2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"u-1","username":"alice"}`))
	})
	env.provider = httptest.NewServer(providerMux)
	t.Cleanup(env.provider.Close)

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.lastUpstreamAuth = r.Header.Get("Authorization")
		env.lastUpstreamCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"claims":[]}`))
	}))
	t.Cleanup(env.upstream.Close)

	cfg := &config.Config{
		Port: 0,
		Provider: config.ProviderConfig{
			AuthorizeURL:  env.provider.URL + "/oauth2/authorize",
			TokenURL:      env.provider.URL + "/oauth2/token",
			AuthnURL:      env.provider.URL + "/oauth2/authn",
			UserInfoURL:   env.provider.URL + "/oauth2/userinfo",
			RedirectURI:   "http://localhost:8317/auth/callback",
			Scope:         "openid profile",
			LoginClientID: "login_client",
		},
		Resource: config.ResourceConfig{BaseURL: env.upstream.URL},
		Session:  config.SessionConfig{IdleMinutes: 30},
	}
	svc := wso2.NewService(cfg, env.provider.Client())
	env.server = NewServer(cfg, svc, env.provider.Client(), nil)
	return env
}

// do drives the gin engine directly, carrying cookies between calls.
func (env *testEnv) do(t *testing.T, method, target, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(w, req)
	return w
}

func sessionCookies(w *httptest.ResponseRecorder) []*http.Cookie {
	return (&http.Response{Header: w.Header()}).Cookies()
}

func TestLoginRedirectsToProvider(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/auth/login", "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := loc.Query()
	if q.Get("client_id") != "login_client" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		t.Error("state and code_challenge must be present")
	}
	if len(sessionCookies(w)) == 0 {
		t.Error("login must establish a session cookie")
	}
}

func TestFullLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(t, http.MethodGet, "/auth/login", "", nil)
	cookies := sessionCookies(login)
	loc, _ := url.Parse(login.Header().Get("Location"))
	state := loc.Query().Get("state")

	callback := env.do(t, http.MethodGet, "/auth/callback?code=demo-code&state="+url.QueryEscape(state), "", cookies)
	if callback.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", callback.Code)
	}
	if got := callback.Header().Get("Location"); got != "/" {
		t.Errorf("callback redirect = %q, want /", got)
	}
	if got := env.tokenCalls.Load(); got != 1 {
		t.Fatalf("token exchange calls = %d, want 1", got)
	}

	status := env.do(t, http.MethodGet, "/auth/session", "", cookies)
	var resp map[string]any
	if err := json.Unmarshal(status.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if resp["authenticated"] != true {
		t.Fatalf("session = %v, want authenticated", resp)
	}
	if resp["client_id"] != "login_client" {
		t.Errorf("client_id = %v", resp["client_id"])
	}
}

func TestCallbackReplayIsSilent(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(t, http.MethodGet, "/auth/login", "", nil)
	cookies := sessionCookies(login)
	loc, _ := url.Parse(login.Header().Get("Location"))
	landing := "/auth/callback?code=demo-code&state=" + url.QueryEscape(loc.Query().Get("state"))

	first := env.do(t, http.MethodGet, landing, "", cookies)
	second := env.do(t, http.MethodGet, landing, "", cookies)
	if first.Code != http.StatusFound || second.Code != http.StatusFound {
		t.Fatalf("replayed landings must both redirect, got %d and %d", first.Code, second.Code)
	}
	if got := env.tokenCalls.Load(); got != 1 {
		t.Errorf("token exchange calls = %d, want exactly 1", got)
	}
}

func TestCallbackWithoutSessionRedirectsHome(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/auth/callback?code=x&state=y", "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := env.tokenCalls.Load(); got != 0 {
		t.Errorf("token exchange calls = %d, want 0", got)
	}
}

func TestResourceProxyAttachesBearer(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(t, http.MethodGet, "/auth/login", "", nil)
	cookies := sessionCookies(login)
	loc, _ := url.Parse(login.Header().Get("Location"))
	env.do(t, http.MethodGet, "/auth/callback?code=c&state="+url.QueryEscape(loc.Query().Get("state")), "", cookies)

	w := env.do(t, http.MethodGet, "/api/claims?limit=5", "", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("proxy status = %d, body %s", w.Code, w.Body.String())
	}
	if env.lastUpstreamAuth != "Bearer at-1" {
		t.Errorf("upstream Authorization = %q", env.lastUpstreamAuth)
	}
	if env.lastUpstreamCookie != "" {
		t.Errorf("session cookie must not leak upstream, got %q", env.lastUpstreamCookie)
	}
	if !strings.Contains(w.Body.String(), "claims") {
		t.Errorf("proxy body = %s", w.Body.String())
	}
}

func TestResourceProxyUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/claims", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	env := newTestEnv(t)

	login := env.do(t, http.MethodGet, "/auth/login", "", nil)
	cookies := sessionCookies(login)
	loc, _ := url.Parse(login.Header().Get("Location"))
	env.do(t, http.MethodGet, "/auth/callback?code=c&state="+url.QueryEscape(loc.Query().Get("state")), "", cookies)

	if w := env.do(t, http.MethodPost, "/auth/logout", "", cookies); w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}

	status := env.do(t, http.MethodGet, "/auth/session", "", cookies)
	var resp map[string]any
	if err := json.Unmarshal(status.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if resp["authenticated"] != false {
		t.Fatalf("session = %v, want unauthenticated", resp)
	}
}

func TestUserInfoRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/auth/userinfo", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	login := env.do(t, http.MethodGet, "/auth/login", "", nil)
	cookies := sessionCookies(login)
	loc, _ := url.Parse(login.Header().Get("Location"))
	env.do(t, http.MethodGet, "/auth/callback?code=c&state="+url.QueryEscape(loc.Query().Get("state")), "", cookies)

	w := env.do(t, http.MethodGet, "/auth/userinfo", "", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("userinfo status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "alice") {
		t.Errorf("userinfo body = %s", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}
