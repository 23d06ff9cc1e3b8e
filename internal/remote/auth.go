package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const (
	// refreshAhead renews the access token before it actually expires so
	// in-flight requests never carry a token that dies mid-request.
	refreshAhead = 2 * time.Minute

	// fallbackTokenTTL applies when a token carries no readable expiry.
	fallbackTokenTTL = 10 * time.Minute

	sessionFile = "session.json"
)

// session is the persisted sign-in state. Keeping it on disk is what makes
// the anonymous identity stable across restarts.
type session struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AnonymousAuth signs the device in anonymously and keeps the resulting
// identity for all later runs. Tokens refresh ahead of expiry; a refresh
// failure surfaces as an error rather than minting a new identity.
type AnonymousAuth struct {
	baseURL string
	path    string
	http    *http.Client
	breaker *resilience.Breaker
	now     func() time.Time

	mu      sync.Mutex
	sess    session
	expires time.Time
}

// NewAnonymousAuth loads any persisted session from dataDir. Call SignIn
// before first use to guarantee an identity exists.
func NewAnonymousAuth(baseURL, dataDir string) (*AnonymousAuth, error) {
	a := &AnonymousAuth{
		baseURL: baseURL,
		path:    filepath.Join(dataDir, sessionFile),
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: resilience.New("auth", resilience.FastConfig()),
		now:     time.Now,
	}

	data, err := os.ReadFile(a.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return a, nil
	case err != nil:
		return nil, xerrors.Wrap(err, xerrors.CodeUnknown, "read session")
	}

	if err := json.Unmarshal(data, &a.sess); err != nil {
		slog.Warn("discarding unreadable session file", "path", a.path, "error", err)
		a.sess = session{}
		return a, nil
	}
	a.expires = a.tokenExpiry(a.sess.AccessToken)
	return a, nil
}

// SignIn ensures a signed-in identity, reusing the persisted session when
// one exists.
func (a *AnonymousAuth) SignIn(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess.UserID != "" {
		return nil
	}

	var resp authResponse
	if err := a.post(ctx, "/v1/auth/anonymous", nil, &resp); err != nil {
		return err
	}
	if resp.UserID == "" || resp.AccessToken == "" {
		return xerrors.New(xerrors.CodeServer, "sign-in response missing credentials")
	}

	a.sess = session{
		UserID:       resp.UserID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	a.expires = a.tokenExpiry(resp.AccessToken)
	slog.Info("signed in anonymously", "user", resp.UserID)
	return a.persist()
}

// UserID returns the signed-in identity, or "" before SignIn.
func (a *AnonymousAuth) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.UserID
}

// Token returns a valid access token, refreshing it first when it is
// within the refresh-ahead window of expiring.
func (a *AnonymousAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess.AccessToken == "" {
		return "", xerrors.New(xerrors.CodeAuth, "not signed in")
	}
	if a.now().Add(refreshAhead).Before(a.expires) {
		return a.sess.AccessToken, nil
	}
	if err := a.refreshLocked(ctx); err != nil {
		return "", err
	}
	return a.sess.AccessToken, nil
}

// ForceRefresh renews the access token regardless of its remaining life.
func (a *AnonymousAuth) ForceRefresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx)
}

// SignOut drops the session from memory and disk. The next SignIn mints a
// fresh identity.
func (a *AnonymousAuth) SignOut() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sess = session{}
	a.expires = time.Time{}
	if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(err, xerrors.CodeUnknown, "remove session")
	}
	return nil
}

func (a *AnonymousAuth) refreshLocked(ctx context.Context) error {
	if a.sess.RefreshToken == "" {
		return xerrors.New(xerrors.CodeAuth, "no refresh token")
	}

	body := map[string]string{"refreshToken": a.sess.RefreshToken}
	var resp authResponse
	if err := a.post(ctx, "/v1/auth/refresh", body, &resp); err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return xerrors.New(xerrors.CodeServer, "refresh response missing token")
	}

	a.sess.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		a.sess.RefreshToken = resp.RefreshToken
	}
	a.expires = a.tokenExpiry(resp.AccessToken)
	slog.Debug("access token refreshed", "user", a.sess.UserID, "expires", a.expires)
	return a.persist()
}

func (a *AnonymousAuth) post(ctx context.Context, path string, body, out any) error {
	return a.breaker.Execute(func() error {
		var buf bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&buf).Encode(body); err != nil {
				return xerrors.Wrap(err, xerrors.CodeUnknown, "encode request")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, &buf)
		if err != nil {
			return xerrors.Wrap(err, xerrors.CodeUnknown, "build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return xerrors.Wrap(err, xerrors.Classify(err), "auth request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return xerrors.Newf(xerrors.FromStatus(resp.StatusCode), "auth endpoint %s returned %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return xerrors.Wrap(err, xerrors.CodeServer, "decode auth response")
		}
		return nil
	})
}

// persist writes the session atomically so a crash never leaves a torn
// credentials file.
func (a *AnonymousAuth) persist() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return xerrors.Wrap(err, xerrors.CodeUnknown, "create data dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.path), "session-*.json")
	if err != nil {
		return xerrors.Wrap(err, xerrors.CodeUnknown, "create session temp")
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a.sess); err != nil {
		tmp.Close()
		return xerrors.Wrap(err, xerrors.CodeUnknown, "write session")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(err, xerrors.CodeUnknown, "close session temp")
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return xerrors.Wrap(err, xerrors.CodeUnknown, "replace session")
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server is the authority, this side only schedules refreshes.
func (a *AnonymousAuth) tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return a.now().Add(fallbackTokenTTL)
	}
	return claims.ExpiresAt.Time
}
