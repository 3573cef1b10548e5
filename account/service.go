// Package account implements sign-in, registration and profile management
// on top of a session.Gateway. It holds no token logic of its own.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/go-authgate/scan-cli/credstore"
	"github.com/go-authgate/scan-cli/session"
)

const (
	loginPath          = "/auth/login/"
	registerPath       = "/auth/register/"
	profilePath        = "/auth/profile/"
	changePasswordPath = "/auth/change-password/"
)

// Service exposes the account operations of the scanner API.
type Service struct {
	gateway *session.Gateway
	store   *credstore.Store
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger; the default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Service that sends through g and caches the session in the
// store of g's Authority.
func New(g *session.Gateway, opts ...Option) *Service {
	s := &Service{
		gateway: g,
		store:   g.Authority().Store(),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login signs in and stores the session. The returned profile is the login
// response without its tokens. Failing to persist the session is logged
// only; the in-memory session stays usable.
func (s *Service) Login(ctx context.Context, email, password string) (map[string]any, error) {
	req, err := session.JSON(http.MethodPost, loginPath, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	req.Public = true

	resp, err := s.gateway.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}

	access, _ := body["access"].(string)
	refresh, _ := body["refresh"].(string)
	if access == "" {
		return nil, errors.New("login response has no access token")
	}
	profile := withoutTokens(body)

	if err := s.store.SaveSession(credstore.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		Profile:      profile,
	}); err != nil {
		s.log.Warn("session not persisted", "error", err)
	}
	s.log.Info("signed in", "email", email)
	return maps.Clone(profile), nil
}

// Register creates an account and returns the server's message. It does not
// sign in.
func (s *Service) Register(ctx context.Context, fields map[string]any) (string, error) {
	req, err := session.JSON(http.MethodPost, registerPath, fields)
	if err != nil {
		return "", err
	}
	req.Public = true

	resp, err := s.gateway.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	var body map[string]any
	if err := resp.Decode(&body); err != nil {
		return "", err
	}
	return messageOf(body, "Registration successful"), nil
}

// Logout ends the local session. It always succeeds; no server call is made.
func (s *Service) Logout(context.Context) error {
	s.store.Clear()
	s.log.Info("signed out")
	return nil
}

// IsAuthenticated reports whether an access token and a cached profile are
// stored. It does not check token freshness.
func (s *Service) IsAuthenticated() bool {
	if _, ok := s.store.AccessToken(); !ok {
		return false
	}
	_, ok := s.store.Profile()
	return ok
}

// CurrentUser returns the cached profile.
func (s *Service) CurrentUser() (map[string]any, bool) {
	return s.store.Profile()
}

// FetchProfile reads the profile from the server and caches it.
func (s *Service) FetchProfile(ctx context.Context) (map[string]any, error) {
	return s.profileCall(ctx, session.Get(profilePath))
}

// UpdateProfile sends a partial update and caches the profile the server
// returns.
func (s *Service) UpdateProfile(ctx context.Context, data map[string]any) (map[string]any, error) {
	req, err := session.JSON(http.MethodPatch, profilePath, data)
	if err != nil {
		return nil, err
	}
	return s.profileCall(ctx, req)
}

// ChangePassword changes the password and returns the server's message.
// Profile fields in the response, if any, are merged into the cache.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) (string, error) {
	req, err := session.JSON(http.MethodPost, changePasswordPath, map[string]string{
		"old_password": oldPassword,
		"new_password": newPassword,
	})
	if err != nil {
		return "", err
	}

	resp, err := s.do(ctx, req)
	if err != nil {
		return "", err
	}
	var body map[string]any
	if err := resp.Decode(&body); err != nil {
		return "", err
	}

	fields := maps.Clone(body)
	delete(fields, "message")
	delete(fields, "detail")
	if len(fields) > 0 {
		cached, _ := s.store.Profile()
		if cached == nil {
			cached = make(map[string]any, len(fields))
		}
		maps.Copy(cached, withoutTokens(fields))
		s.cacheProfile(cached)
	}
	return messageOf(body, "Password changed"), nil
}

func (s *Service) profileCall(ctx context.Context, req session.Request) (map[string]any, error) {
	resp, err := s.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var profile map[string]any
	if err := resp.Decode(&profile); err != nil {
		return nil, err
	}
	profile = withoutTokens(profile)
	s.cacheProfile(profile)
	return maps.Clone(profile), nil
}

func (s *Service) cacheProfile(profile map[string]any) {
	if err := s.store.SaveProfile(profile); err != nil {
		s.log.Warn("profile not persisted", "error", err)
	}
}

// do executes an authenticated request. A 401 that survived the refresh and
// retry ends the session.
func (s *Service) do(ctx context.Context, req session.Request) (*session.Response, error) {
	resp, err := s.gateway.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && resp.Attempts > 1 {
		s.log.Info("still unauthorized after token refresh", "path", req.Path, "request_id", resp.RequestID)
		s.gateway.Authority().Expire(session.ErrSessionExpired)
		return nil, fmt.Errorf("%w: %w", session.ErrSessionExpired, resp.Err())
	}
	return resp, nil
}

func withoutTokens(body map[string]any) map[string]any {
	out := maps.Clone(body)
	if out == nil {
		out = map[string]any{}
	}
	delete(out, "access")
	delete(out, "refresh")
	return out
}

func messageOf(body map[string]any, fallback string) string {
	for _, k := range []string{"message", "detail"} {
		if msg, ok := body[k].(string); ok && msg != "" {
			return msg
		}
	}
	return fallback
}
