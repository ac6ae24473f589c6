package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"livesight/internal/models"
)

const (
	stateCookie        = "oauth_state"
	twitchUserEndpoint = "https://api.twitch.tv/helix/users"
)

// UserStore is the slice of storage the OAuth flow needs.
type UserStore interface {
	UpsertUser(ctx context.Context, user models.User) (models.User, error)
}

// OAuthConfig configures the Twitch login flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tokens       TokenConfig
	Store        UserStore
	Logger       *slog.Logger
	// Client is used for the user info request. The token exchange uses the
	// oauth2 package's own transport.
	Client *http.Client
}

// TwitchAuthenticator implements login and callback handlers for Twitch OAuth.
type TwitchAuthenticator struct {
	oauth   oauth2.Config
	tokens  TokenConfig
	store   UserStore
	logger  *slog.Logger
	client  *http.Client
	userURL string
}

// NewTwitchAuthenticator builds the authenticator.
func NewTwitchAuthenticator(cfg OAuthConfig) *TwitchAuthenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwitchAuthenticator{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"user:read:email"},
			Endpoint:     twitch.Endpoint,
		},
		tokens:  cfg.Tokens,
		store:   cfg.Store,
		logger:  logger,
		client:  client,
		userURL: twitchUserEndpoint,
	}
}

// HandleLogin redirects the browser to the Twitch consent page with a
// single-use state value.
func (a *TwitchAuthenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.oauth.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback exchanges the authorization code, provisions the user, and
// issues the session cookie.
func (a *TwitchAuthenticator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		http.Error(w, "oauth state mismatch", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		a.logger.Warn("oauth exchange failed", "error", err)
		http.Error(w, "oauth exchange failed", http.StatusBadGateway)
		return
	}

	identity, err := a.fetchUser(ctx, token.AccessToken)
	if err != nil {
		a.logger.Warn("twitch user lookup failed", "error", err)
		http.Error(w, "user lookup failed", http.StatusBadGateway)
		return
	}

	user := models.User{
		ID:       identity.Login,
		TwitchID: identity.ID,
		Name:     identity.DisplayName,
		LastIP:   r.RemoteAddr,
		LastSeen: time.Now().UTC(),
	}
	if a.store != nil {
		if _, err := a.store.UpsertUser(ctx, user); err != nil {
			a.logger.Error("user upsert failed", "error", err)
			http.Error(w, "user provisioning failed", http.StatusInternalServerError)
			return
		}
	}

	session, err := EncodeSession(a.tokens, user.ID)
	if err != nil {
		a.logger.Error("session token issue failed", "error", err)
		http.Error(w, "session issue failed", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session,
		Path:     "/",
		MaxAge:   int(a.tokens.TTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusFound)
}

type twitchIdentity struct {
	ID          int64
	Login       string
	DisplayName string
}

func (a *TwitchAuthenticator) fetchUser(ctx context.Context, accessToken string) (twitchIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.userURL, nil)
	if err != nil {
		return twitchIdentity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", a.oauth.ClientID)

	resp, err := a.client.Do(req)
	if err != nil {
		return twitchIdentity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return twitchIdentity{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Data []struct {
			ID          string `json:"id"`
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return twitchIdentity{}, fmt.Errorf("decode user response: %w", err)
	}
	if len(payload.Data) == 0 {
		return twitchIdentity{}, fmt.Errorf("user response contained no records")
	}
	record := payload.Data[0]
	twitchID, err := strconv.ParseInt(record.ID, 10, 64)
	if err != nil {
		return twitchIdentity{}, fmt.Errorf("parse twitch user id %q: %w", record.ID, err)
	}
	return twitchIdentity{ID: twitchID, Login: record.Login, DisplayName: record.DisplayName}, nil
}
