// Package auth loads the stored OAuth session and turns its refresh
// token into access tokens on demand. Obtaining the initial session
// (the browser consent flow) is outside this tool; a missing or broken
// session fails fast with setup guidance.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/lecoder/lecoder/internal/config"
)

const sessionFile = "session.json"

// ErrNotAuthenticated is returned when no usable OAuth session is
// stored. The message is the user-facing remedy.
var ErrNotAuthenticated = errors.New("not authenticated: run the login flow to create state/session.json, or copy one from an authenticated install")

// Account identifies the Google account behind the stored session.
type Account struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// storedSession is the state/session.json document.
type storedSession struct {
	ID           string   `json:"id"`
	RefreshToken string   `json:"refreshToken"`
	Scopes       []string `json:"scopes"`
	Account      Account  `json:"account"`
}

// Session is an authenticated session: the account identity plus a
// token source that mints access tokens from the stored refresh token.
type Session struct {
	Account Account
	tokens  oauth2.TokenSource
}

// TokenSource returns the session's caching token source.
func (s *Session) TokenSource() oauth2.TokenSource { return s.tokens }

// Load reads state/session.json from the state directory and builds
// the token source from the configured OAuth client.
func Load(ctx context.Context, cfg *config.Config) (*Session, error) {
	dir, err := cfg.StateDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("read oauth session: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode oauth session: %w", err)
	}
	if stored.RefreshToken == "" {
		return nil, ErrNotAuthenticated
	}
	if stored.Account.ID == "" {
		return nil, fmt.Errorf("oauth session carries no account id")
	}

	oc := &oauth2.Config{
		ClientID:     cfg.AuthClientID(),
		ClientSecret: cfg.AuthClientSecret(),
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.AuthTokenURL()},
		Scopes:       stored.Scopes,
	}
	if oc.ClientID == "" {
		return nil, fmt.Errorf("auth.client_id is not configured; set it in config.json or LECODER_AUTH_CLIENT_ID")
	}

	// The refresh token alone drives the source; access tokens are
	// minted lazily and cached until expiry.
	source := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken})
	return &Session{
		Account: stored.Account,
		tokens:  oauth2.ReuseTokenSource(nil, source),
	}, nil
}

// Verify forces one token mint so authentication problems surface
// before any Colab call. Used by --force-login.
func (s *Session) Verify(ctx context.Context) error {
	if _, err := s.tokens.Token(); err != nil {
		return fmt.Errorf("refresh token rejected, re-run the login flow: %w", err)
	}
	return nil
}
