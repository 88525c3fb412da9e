package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hexleaf/mailgate/internal/apikey"
	"github.com/hexleaf/mailgate/internal/authz"
	"github.com/hexleaf/mailgate/internal/billing"
	"github.com/hexleaf/mailgate/internal/catalog"
	"github.com/hexleaf/mailgate/internal/credentials"
	"github.com/hexleaf/mailgate/internal/store"
	"github.com/hexleaf/mailgate/internal/upstream"
)

// fakeProviderAPI stands in for the upstream mail/calendar REST API.
type fakeProviderAPI struct {
	mu       sync.Mutex
	status   int
	lastAuth string
}

func (f *fakeProviderAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		status := f.status
		f.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":"m1"}]}`))
	}
}

func (f *fakeProviderAPI) authHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

// fakeTokenEndpoint serves OAuth refresh grants.
type fakeTokenEndpoint struct {
	calls  atomic.Int64
	status int
	body   string
	delay  time.Duration
}

func (f *fakeTokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if f.status != 0 && f.status != http.StatusOK {
			w.WriteHeader(f.status)
		}
		w.Write([]byte(f.body))
	}
}

func refreshBody(token string) string {
	data, _ := json.Marshal(map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
	return string(data)
}

func gatewayTestProvider(tokenURL, apiURL string) catalog.Provider {
	return catalog.Provider{
		ID:           "testmail",
		Label:        "Test Mail",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{AuthURL: tokenURL + "/auth", TokenURL: tokenURL + "/token"},
		AuthScopes:   []string{"s.mail", "s.cal"},
		APIBaseURL:   apiURL,
		Permissions: []catalog.PermissionDefinition{
			{ID: "mail:read", Scope: "s.mail"},
			{ID: "calendar:write", Scope: "s.cal", RequiresReauth: true},
		},
		ScopeMap: map[string][]string{
			"s.mail": {"mail:read"},
			"s.cal":  {"calendar:write"},
		},
		Operations: []catalog.Operation{
			{
				ID:         "mail.list",
				Method:     http.MethodGet,
				Pattern:    "/mail/messages",
				Permission: "mail:read",
				Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
					return client.Get(ctx, apiURL+"/messages", accessToken, r.URL.Query())
				},
			},
			{
				ID:         "calendar.create",
				Method:     http.MethodPost,
				Pattern:    "/calendar/events",
				Permission: "calendar:write",
				Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
					return client.Post(ctx, apiURL+"/events", accessToken, r.Body, r.Header.Get("Content-Type"))
				},
			},
		},
	}
}

type testEnv struct {
	srv   *httptest.Server
	st    *store.Store
	keys  *apikey.Service
	api   *fakeProviderAPI
	token *fakeTokenEndpoint
}

type envOption func(*envConfig)

type envConfig struct {
	billingURL  string
	adminSecret string
}

func withBillingURL(url string) envOption {
	return func(c *envConfig) { c.billingURL = url }
}

func withAdminSecret(secret string) envOption {
	return func(c *envConfig) { c.adminSecret = secret }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	api := &fakeProviderAPI{}
	apiSrv := httptest.NewServer(api.handler())
	t.Cleanup(apiSrv.Close)

	token := &fakeTokenEndpoint{body: refreshBody("refreshed-token")}
	tokenSrv := httptest.NewServer(token.handler())
	t.Cleanup(tokenSrv.Close)

	st, err := store.OpenMemory()
	require.NoError(t, err)

	cat := catalog.New()
	cat.Register(gatewayTestProvider(tokenSrv.URL, apiSrv.URL))

	coordinator := credentials.New(st, cat)
	resolver := apikey.NewResolver(st)
	keys := apikey.NewService(st, cat)
	bill := billing.New(cfg.billingURL, "mailgate", 2*time.Second, time.Minute)
	enforcer := authz.NewEnforcer(cat, coordinator, bill, st, nil)

	g := New(Config{
		Catalog:     cat,
		Resolver:    resolver,
		Keys:        keys,
		Enforcer:    enforcer,
		Upstream:    upstream.NewClient(5 * time.Second),
		Coordinator: coordinator,
		Store:       st,
		AdminSecret: cfg.adminSecret,
	})

	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, st: st, keys: keys, api: api, token: token}
}

func (e *testEnv) linkAccount(t *testing.T, userID string, scopes []string, expiresAt time.Time) {
	t.Helper()
	account := &store.OAuthAccount{
		UserID:       userID,
		Provider:     "testmail",
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    expiresAt,
	}
	account.SetGrantedScopes(scopes)
	require.NoError(t, e.st.SaveAccount(account))
}

func (e *testEnv) mintKey(t *testing.T, userID string, grants map[string][]string) (keyID, plaintext string) {
	t.Helper()
	key, secret, err := e.keys.Create(userID, "test key", grants, nil)
	require.NoError(t, err)
	return key.ID, secret
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) (code, reason string) {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code, body.Reason
}

func TestMissingKeyIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "UNAUTHORIZED", code)
}

func TestUnknownKeyIsInvalid(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", "mgk_deadbeef", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "INVALID_KEY", code)
}

func TestUngrantedPermissionIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.linkAccount(t, "u1", []string{"s.mail", "s.cal"}, time.Now().Add(time.Hour))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	resp := env.do(t, http.MethodPost, "/v1/testmail/calendar/events", secret,
		bytes.NewBufferString(`{"title":"standup"}`))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "FORBIDDEN", code)
}

// TestNearExpiryRequestsShareOneRefresh is the core gateway flow: a near
// expiry account, several concurrent API calls, exactly one upstream token
// refresh, and every caller's upstream request carries the refreshed token.
func TestNearExpiryRequestsShareOneRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.token.delay = 50 * time.Millisecond
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(2*time.Minute))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	const callers = 5
	statuses := make([]int, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.Equal(t, http.StatusOK, statuses[i])
	}
	require.EqualValues(t, 1, env.token.calls.Load(), "concurrent callers must share a single refresh")
	require.Equal(t, "Bearer refreshed-token", env.api.authHeader())

	account, err := env.st.FindAccount("u1", "testmail")
	require.NoError(t, err)
	require.Equal(t, "refreshed-token", account.AccessToken)
}

func TestRevokedKeyIsRejectedImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
	keyID, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.keys.Revoke(keyID))

	resp = env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "INVALID_KEY", code)
}

func TestBillingOutageDoesNotBlockRequests(t *testing.T) {
	// Nothing is listening at the billing URL; every check errors out.
	env := newTestEnv(t, withBillingURL("http://127.0.0.1:1"))
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingConsentScopeIsNeedsReauth(t *testing.T) {
	env := newTestEnv(t)
	// The account consented before calendar scopes existed.
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read", "calendar:write"}})

	resp := env.do(t, http.MethodPost, "/v1/testmail/calendar/events", secret,
		bytes.NewBufferString(`{"title":"standup"}`))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "NEEDS_REAUTH", code)
}

func TestUnlinkedAccountErrors(t *testing.T) {
	env := newTestEnv(t)
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "ACCOUNT_NOT_LINKED", code)
}

func TestRevokedRefreshTokenSurfacesAsRefreshFailed(t *testing.T) {
	env := newTestEnv(t)
	env.token.status = http.StatusBadRequest
	env.token.body = `{"error":"invalid_grant"}`
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Minute))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, reason := decodeError(t, resp)
	require.Equal(t, "REFRESH_FAILED", code)
	require.Equal(t, "REVOKED_CREDENTIAL", reason)
}

func TestUpstreamStatusMapping(t *testing.T) {
	tests := []struct {
		name           string
		upstreamStatus int
		wantStatus     int
		wantCode       string
	}{
		{name: "not found", upstreamStatus: http.StatusNotFound, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "rate limited", upstreamStatus: http.StatusTooManyRequests, wantStatus: http.StatusTooManyRequests, wantCode: "RATE_LIMITED"},
		{name: "server error", upstreamStatus: http.StatusInternalServerError, wantStatus: http.StatusBadGateway, wantCode: "PROVIDER_CALL_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.api.status = tt.upstreamStatus
			env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
			_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

			resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			code, _ := decodeError(t, resp)
			require.Equal(t, tt.wantCode, code)
		})
	}
}

func TestSuccessfulProxyPassesBodyThrough(t *testing.T) {
	env := newTestEnv(t)
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"messages":[{"id":"m1"}]}`, string(body))
	require.Equal(t, "Bearer stale-token", env.api.authHeader())
}

func TestAdminKeyManagementAPI(t *testing.T) {
	env := newTestEnv(t, withAdminSecret("s3cret"))

	createBody := `{"user_id":"u1","name":"ci","grants":{"testmail":["mail:read"]}}`

	// Wrong admin secret.
	resp := env.do(t, http.MethodPost, "/api/keys", "wrong", bytes.NewBufferString(createBody))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Correct secret: plaintext key is returned exactly once.
	resp = env.do(t, http.MethodPost, "/api/keys", "s3cret", bytes.NewBufferString(createBody))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID        string `json:"id"`
		Key       string `json:"key"`
		KeyPrefix string `json:"key_prefix"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.True(t, apikey.WellFormed(created.Key))

	// The list response never carries the plaintext secret.
	resp = env.do(t, http.MethodGet, "/api/keys?user=u1", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Keys []struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		} `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed.Keys, 1)
	require.Equal(t, created.ID, listed.Keys[0].ID)
	require.Empty(t, listed.Keys[0].Key)

	// Disable, then the minted key stops working.
	resp = env.do(t, http.MethodPost, "/api/keys/"+created.ID+"/disable", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
	resp = env.do(t, http.MethodGet, "/v1/testmail/mail/messages", created.Key, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "KEY_DISABLED", code)
}

func TestUnlinkAndManualRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))

	// Manual refresh ignores the expiry margin.
	resp := env.do(t, http.MethodPost, "/api/accounts/testmail/refresh?user=u1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.EqualValues(t, 1, env.token.calls.Load())

	resp = env.do(t, http.MethodDelete, "/api/accounts/testmail?user=u1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err := env.st.FindAccount("u1", "testmail")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Unlinking twice is a 404.
	resp = env.do(t, http.MethodDelete, "/api/accounts/testmail?user=u1", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUsageEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t)
	env.linkAccount(t, "u1", []string{"s.mail"}, time.Now().Add(time.Hour))
	_, secret := env.mintKey(t, "u1", map[string][]string{"testmail": {"mail:read"}})

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodGet, "/v1/testmail/mail/messages", secret, nil)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/usage?user=u1&window=1h", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	resp.Body.Close()
	require.EqualValues(t, 3, usage.Count)
}

func TestLinkLoginRedirectsToConsent(t *testing.T) {
	env := newTestEnv(t)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/auth/testmail/login?user=u1", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.Contains(t, location, "/auth?")
	require.Contains(t, location, "access_type=offline")
	require.Contains(t, location, "state=")
	require.Contains(t, location, "client_id=client-id")

	// Unknown provider and missing user are both rejected.
	resp = env.do(t, http.MethodGet, "/auth/nonexistent/login?user=u1", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/auth/testmail/login", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestLinkCallbackRejectsBadState(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/auth/testmail/callback?state=bogus&code=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ := decodeError(t, resp)
	require.Equal(t, "INVALID_INPUT", code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
