package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/db"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/secrets"
)

func setupStore(t *testing.T) *db.Store {
	t.Helper()
	sealer, err := secrets.NewSealer("test-secret")
	require.NoError(t, err)
	store, err := db.NewStore("sqlite", filepath.Join(t.TempDir(), "auth.db"), db.WithSealer(sealer))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func oauthConfig() config.AuthConfig {
	return config.AuthConfig{
		SessionSecret: "session-secret",
		SessionTTL:    time.Hour,
		Google:        config.GoogleConfig{ClientID: "client", ClientSecret: "secret"},
		LocalUser:     "local@localhost",
	}
}

func whoami() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(u.Username))
	})
}

func TestLocalMode(t *testing.T) {
	store := setupStore(t)
	svc, err := NewService(config.AuthConfig{LocalUser: "me@local"}, "http://localhost:8000", store, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, svc.OAuthEnabled())

	h := svc.RequireUser(whoami())
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "me@local", rec.Body.String())
	}

	u, err := store.GetUserByUsername(context.Background(), "me@local")
	require.NoError(t, err)
	local, err := svc.LocalUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, u.ID, local.ID)

	_, err = svc.LoginURL(httptest.NewRecorder())
	assert.ErrorIs(t, err, ErrOAuthDisabled)
}

func TestSessionTokens(t *testing.T) {
	store := setupStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(oauthConfig(), "https://skyth.example", store, zerolog.Nop(),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	user := &models.User{ID: 42, Username: "a@example.com"}
	token, err := svc.SignSession(user)
	require.NoError(t, err)

	id, err := svc.ParseSession(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = svc.ParseSession(token + "x")
	assert.ErrorIs(t, err, ErrNoSession)

	other, err := NewService(config.AuthConfig{
		SessionSecret: "different",
		SessionTTL:    time.Hour,
		Google:        config.GoogleConfig{ClientID: "c", ClientSecret: "s"},
	}, "https://skyth.example", store, zerolog.Nop())
	require.NoError(t, err)
	_, err = other.ParseSession(token)
	assert.ErrorIs(t, err, ErrNoSession)

	now = now.Add(2 * time.Hour)
	_, err = svc.ParseSession(token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRequireUserWithOAuth(t *testing.T) {
	store := setupStore(t)
	svc, err := NewService(oauthConfig(), "http://localhost:8000", store, zerolog.Nop())
	require.NoError(t, err)
	h := svc.RequireUser(whoami())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")

	user, err := store.EnsureUser(context.Background(), "b@example.com", "hash")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	require.NoError(t, svc.IssueSession(rec, user))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b@example.com", rec.Body.String())

	// a session for a user that no longer resolves
	token, err := svc.SignSession(&models.User{ID: 9999, Username: "gone"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func fakeProvider(t *testing.T, email string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-123","token_type":"Bearer","refresh_token":"refresh-456","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"email": email, "name": "Test User"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func callbackRequest(state, cookieState, code string) *http.Request {
	q := url.Values{"state": {state}, "code": {code}}
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+q.Encode(), nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: stateCookie, Value: cookieState})
	}
	return req
}

func TestOAuthFlow(t *testing.T) {
	store := setupStore(t)
	provider := fakeProvider(t, "new@example.com")
	svc, err := NewService(oauthConfig(), "http://localhost:8000", store, zerolog.Nop(),
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   provider.URL + "/auth",
			TokenURL:  provider.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}, provider.URL+"/userinfo"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	loginURL, err := svc.LoginURL(rec)
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	state := cookies[0].Value

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	assert.Equal(t, state, parsed.Query().Get("state"))
	assert.Equal(t, "http://localhost:8000/auth/callback", parsed.Query().Get("redirect_uri"))
	assert.Equal(t, "client", parsed.Query().Get("client_id"))

	t.Run("state mismatch", func(t *testing.T) {
		_, err := svc.Callback(httptest.NewRecorder(), callbackRequest(state, "other", "good-code"))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("missing state cookie", func(t *testing.T) {
		_, err := svc.Callback(httptest.NewRecorder(), callbackRequest(state, "", "good-code"))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("bad code", func(t *testing.T) {
		_, err := svc.Callback(httptest.NewRecorder(), callbackRequest(state, state, "bad-code"))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrInvalidState))
	})

	t.Run("success", func(t *testing.T) {
		user, err := svc.Callback(httptest.NewRecorder(), callbackRequest(state, state, "good-code"))
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", user.Username)

		stored, err := store.GetUserByUsername(context.Background(), "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, stored.ID)
		assert.NotEmpty(t, stored.CredentialHash)

		tokens, err := store.UserTokens(context.Background(), user.ID)
		require.NoError(t, err)
		assert.Contains(t, tokens, "access-123")
		assert.Contains(t, tokens, "refresh-456")

		again, err := svc.Callback(httptest.NewRecorder(), callbackRequest(state, state, "good-code"))
		require.NoError(t, err)
		assert.Equal(t, user.ID, again.ID)
	})
}

func TestCredentials(t *testing.T) {
	hash, err := HashCredential("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckCredential(hash, "hunter2"))
	assert.False(t, CheckCredential(hash, "hunter3"))
}

func TestNewServiceRequiresSecret(t *testing.T) {
	cfg := oauthConfig()
	cfg.SessionSecret = ""
	_, err := NewService(cfg, "http://localhost", nil, zerolog.Nop())
	assert.Error(t, err)
}
