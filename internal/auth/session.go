// Package auth derives the bearer token and tracing identifiers for API
// calls from the browser session the user is already logged into.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/logger"
	"github.com/google/uuid"
)

// jwtPrefix is how every base64url-encoded JWT header starts.
const jwtPrefix = "eyJ"

// CookieSource reads cookies of the logged-in site.
type CookieSource interface {
	Cookie(ctx context.Context, name string) (value string, ok bool, err error)
}

// PageTokenSource asks the page runtime for a token held in a global variable.
type PageTokenSource interface {
	PageToken(ctx context.Context, global string) (string, error)
}

// Settings are the static values sent with every request.
type Settings struct {
	ClientName     string
	ClientVersion  string
	DeviceType     string
	TokenCookie    string
	TrackingCookie string
	TraceCookie    string
	TokenGlobal    string
	PageTimeout    time.Duration
}

// SettingsFromConfig picks the auth settings out of the loaded config.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		ClientName:     cfg.API.ClientName,
		ClientVersion:  cfg.API.ClientVersion,
		DeviceType:     cfg.API.DeviceType,
		TokenCookie:    cfg.Cookies.Token,
		TrackingCookie: cfg.Cookies.TrackingID,
		TraceCookie:    cfg.Cookies.TraceID,
		TokenGlobal:    cfg.Cookies.TokenGlobal,
		PageTimeout:    cfg.Cookies.PageTokenTimeout,
	}
}

// AuthContext is what one request needs to authenticate.
type AuthContext struct {
	AccessToken string
	CookieID    string
	TraceID     string
}

// Session caches the access token for the lifetime of one capture run.
// It is not safe for concurrent use.
type Session struct {
	cookies  CookieSource
	page     PageTokenSource
	settings Settings

	token string

	newTraceID func() string
}

// NewSession creates a session. page may be nil when no page runtime is available.
func NewSession(cookies CookieSource, page PageTokenSource, settings Settings) *Session {
	if settings.PageTimeout <= 0 {
		settings.PageTimeout = 2 * time.Second
	}
	return &Session{
		cookies:    cookies,
		page:       page,
		settings:   settings,
		newTraceID: uuid.NewString,
	}
}

// AccessToken returns the cached token, deriving it on first use: first from
// the token cookie, then from the page runtime.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	if s.token != "" {
		return s.token, nil
	}
	log := logger.Component(ctx, "auth")

	if s.cookies != nil {
		raw, ok, err := s.cookies.Cookie(ctx, s.settings.TokenCookie)
		if err != nil {
			log.Warn().Err(err).Str("cookie", s.settings.TokenCookie).Msg("Failed to read token cookie")
		}
		if ok {
			if token, valid := ParseTokenCookie(raw); valid {
				log.Debug().Msg("Found access token in cookie")
				s.token = token
				return token, nil
			}
			log.Warn().Str("cookie", s.settings.TokenCookie).Msg("Cookie does not contain a signed token")
		}
	}

	if s.page == nil {
		return "", domain.ErrAuth
	}

	pageCtx, cancel := context.WithTimeout(ctx, s.settings.PageTimeout)
	defer cancel()

	token, err := s.page.PageToken(pageCtx, s.settings.TokenGlobal)
	if err != nil {
		return "", fmt.Errorf("%w: page token: %v", domain.ErrAuth, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: page holds no token", domain.ErrAuth)
	}

	log.Debug().Msg("Found access token in page context")
	s.token = token
	return token, nil
}

// Invalidate drops the cached token so the next call derives a fresh one.
func (s *Session) Invalidate() {
	s.token = ""
}

// Context resolves the token and the tracking identifiers for one request.
// The trace id is reused from its cookie when present, otherwise a new v4 UUID.
func (s *Session) Context(ctx context.Context) (AuthContext, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return AuthContext{}, err
	}

	ac := AuthContext{AccessToken: token}
	if s.cookies != nil {
		if v, ok, _ := s.cookies.Cookie(ctx, s.settings.TrackingCookie); ok {
			ac.CookieID = v
		}
		if v, ok, _ := s.cookies.Cookie(ctx, s.settings.TraceCookie); ok && v != "" {
			ac.TraceID = v
		}
	}
	if ac.TraceID == "" {
		ac.TraceID = s.newTraceID()
	}
	return ac, nil
}

// Headers builds the request headers for one API call.
func (s *Session) Headers(ctx context.Context) (http.Header, error) {
	ac, err := s.Context(ctx)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+ac.AccessToken)
	h.Set("ck-client-name", s.settings.ClientName)
	h.Set("ck-client-version", s.settings.ClientVersion)
	h.Set("ck-cookie-id", ac.CookieID)
	h.Set("ck-device-type", s.settings.DeviceType)
	h.Set("ck-trace-id", ac.TraceID)
	return h, nil
}

// ParseTokenCookie extracts the access token from a cookie holding
// "<access>;<refresh>", URL-encoded or not. The refresh token is discarded.
func ParseTokenCookie(raw string) (string, bool) {
	value := raw
	if strings.Contains(value, "%") {
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
	}

	access, _, _ := strings.Cut(value, ";")
	access = strings.TrimSpace(access)
	if !strings.HasPrefix(access, jwtPrefix) {
		return "", false
	}
	return access, true
}
