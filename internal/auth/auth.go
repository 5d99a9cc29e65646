// Package auth signs users in with Google and carries their identity in a
// signed session cookie. Without OAuth configured every request runs as a
// single local user.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

var (
	ErrNoSession     = errors.New("no valid session")
	ErrInvalidState  = errors.New("invalid oauth state")
	ErrOAuthDisabled = errors.New("oauth is not configured")
	ErrNoEmail       = errors.New("identity provider returned no email")
)

const (
	SessionCookie = "skyth_session"
	stateCookie   = "skyth_oauth_state"
	stateTTL      = 10 * time.Minute
	issuer        = "skyth"

	defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// UserStore is the slice of the store auth needs
type UserStore interface {
	EnsureUser(ctx context.Context, username, credentialHash string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	SetUserTokens(ctx context.Context, userID int64, tokens string) error
}

// Claims are carried in the session token
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service authenticates requests
type Service struct {
	store       UserStore
	oauth       *oauth2.Config
	secret      []byte
	ttl         time.Duration
	localUser   string
	userInfoURL string
	secure      bool
	now         func() time.Time
	log         zerolog.Logger

	mu    sync.Mutex
	local *models.User
}

// Option configures a Service
type Option func(*Service)

// WithEndpoint overrides the OAuth provider endpoints
func WithEndpoint(ep oauth2.Endpoint, userInfoURL string) Option {
	return func(s *Service) {
		if s.oauth != nil {
			s.oauth.Endpoint = ep
		}
		s.userInfoURL = userInfoURL
	}
}

// WithClock sets the time source for token issue and expiry
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the auth service. baseURL is the externally visible
// server address used for the OAuth redirect.
func NewService(cfg config.AuthConfig, baseURL string, store UserStore, log zerolog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		ttl:         cfg.SessionTTL,
		localUser:   cfg.LocalUser,
		userInfoURL: defaultUserInfoURL,
		secure:      strings.HasPrefix(baseURL, "https://"),
		now:         time.Now,
		log:         log.With().Str("component", "auth").Logger(),
	}

	if cfg.OAuthEnabled() {
		if cfg.SessionSecret == "" {
			return nil, errors.New("session secret is required when oauth is enabled")
		}
		s.oauth = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     endpoints.Google,
			RedirectURL:  strings.TrimRight(baseURL, "/") + "/auth/callback",
			Scopes:       []string{"openid", "email", "profile"},
		}
	}

	if cfg.SessionSecret != "" {
		s.secret = []byte(cfg.SessionSecret)
	} else {
		// local mode sessions never outlive the process
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		s.secret = buf
	}
	if s.ttl <= 0 {
		s.ttl = 30 * 24 * time.Hour
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OAuthEnabled reports whether Google sign-in is configured
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// HashCredential bcrypt-hashes a credential
func HashCredential(credential string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(hash), nil
}

// CheckCredential reports whether credential matches hash
func CheckCredential(hash, credential string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)) == nil
}

// randomCredential is the unusable password given to OAuth-created users
func randomCredential() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// EnsureUser returns the user named username, creating it with an unusable
// credential on first use
func (s *Service) EnsureUser(ctx context.Context, username string) (*models.User, error) {
	return s.ensureUser(ctx, username)
}

func (s *Service) ensureUser(ctx context.Context, username string) (*models.User, error) {
	credential, err := randomCredential()
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential: %w", err)
	}
	hash, err := HashCredential(credential)
	if err != nil {
		return nil, err
	}
	return s.store.EnsureUser(ctx, username, hash)
}

// LocalUser returns the single user of a server without OAuth
func (s *Service) LocalUser(ctx context.Context) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil {
		return s.local, nil
	}
	u, err := s.ensureUser(ctx, s.localUser)
	if err != nil {
		return nil, err
	}
	s.local = u
	return u, nil
}

// LoginURL starts the OAuth flow, setting the state cookie on w
func (s *Service) LoginURL(w http.ResponseWriter) (string, error) {
	if s.oauth == nil {
		return "", ErrOAuthDisabled
	}
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

type userInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Callback completes the OAuth flow: it checks the state, exchanges the
// code, creates the user on first login and stores the sealed tokens
func (s *Service) Callback(w http.ResponseWriter, r *http.Request) (*models.User, error) {
	if s.oauth == nil {
		return nil, ErrOAuthDisabled
	}

	cookie, err := r.Cookie(stateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || state == "" || cookie.Value != state {
		return nil, ErrInvalidState
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/auth", MaxAge: -1})

	if e := r.URL.Query().Get("error"); e != "" {
		return nil, fmt.Errorf("authorization denied: %s", e)
	}

	ctx := r.Context()
	token, err := s.oauth.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	info, err := s.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.ensureUser(ctx, info.Email)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tokens: %w", err)
	}
	if err := s.store.SetUserTokens(ctx, user.ID, string(raw)); err != nil {
		return nil, err
	}

	s.log.Info().Int64("user_id", user.ID).Msg("user signed in")
	return user, nil
}

func (s *Service) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*userInfo, error) {
	resp, err := s.oauth.Client(ctx, token).Get(s.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("user info returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if info.Email == "" {
		return nil, ErrNoEmail
	}
	return &info, nil
}

// IssueSession signs a session token for user and sets it as a cookie
func (s *Service) IssueSession(w http.ResponseWriter, user *models.User) error {
	token, err := s.SignSession(user)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// SignSession returns a signed session token for user
func (s *Service) SignSession(user *models.User) (string, error) {
	now := s.now()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}

// ParseSession validates a session token and returns the user id
func (s *Service) ParseSession(token string) (int64, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrNoSession
	}
	return id, nil
}

// Logout clears the session cookie
func (s *Service) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

// Authenticate resolves the request's user
func (s *Service) Authenticate(r *http.Request) (*models.User, error) {
	if s.oauth == nil {
		return s.LocalUser(r.Context())
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	id, err := s.ParseSession(cookie.Value)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return user, nil
}
