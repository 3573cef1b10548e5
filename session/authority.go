// Package session implements the authenticated transport shared by every API
// surface of the scanner client.
//
// An Authority owns token renewal: it is the only code that calls the
// refresh endpoint and it coalesces concurrent renewals into one network
// call. A Gateway wraps individual requests: it attaches the bearer token,
// and on a 401 asks the Authority for a fresh token and replays the request
// exactly once. Create one Authority per process and build every Gateway
// from it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/scan-cli/credstore"
)

// DefaultTimeout bounds each HTTP attempt, including the refresh call.
const DefaultTimeout = 30 * time.Second

const (
	refreshPath = "/auth/refresh/"
	refreshKey  = "refresh"
)

// Doer sends one HTTP request. *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Hooks receives progress events, typically for display. All fields are
// optional and may be called from any goroutine.
type Hooks struct {
	// OnRejected fires when a request's access token gets a 401.
	OnRejected func(req Request)
	// OnRefreshStart fires once per refresh network call.
	OnRefreshStart func()
	// OnRefreshed fires after a successful refresh.
	OnRefreshed func()
	// OnStorageError fires when the renewed tokens could not be persisted.
	OnStorageError func(err error)
}

// Options configures an Authority and the Gateways built from it.
type Options struct {
	BaseURL string
	Doer    Doer
	Timeout time.Duration
	Logger  *slog.Logger
	Hooks   Hooks
}

// Authority coordinates token renewal for one credential store.
type Authority struct {
	store   *credstore.Store
	doer    Doer
	baseURL string
	timeout time.Duration
	log     *slog.Logger
	hooks   Hooks

	group singleflight.Group

	mu      sync.Mutex
	nextSub int
	subs    map[int]func(error)
}

// NewAuthority validates opts and returns an Authority for store.
func NewAuthority(store *credstore.Store, opts Options) (*Authority, error) {
	if store == nil {
		return nil, errors.New("session: credential store is required")
	}
	if opts.Doer == nil {
		return nil, errors.New("session: HTTP transport is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("session: base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Authority{
		store:   store,
		doer:    opts.Doer,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		log:     opts.Logger,
		hooks:   opts.Hooks,
		subs:    make(map[int]func(error)),
	}, nil
}

// Store returns the credential store this Authority renews.
func (a *Authority) Store() *credstore.Store {
	return a.store
}

// Refresh mints a new access token from the stored refresh token. Concurrent
// callers share a single in-flight refresh call. On failure the credential
// store is cleared and an *AuthExpiredError is returned.
//
// ctx only limits how long this caller waits; the refresh itself runs under
// its own timeout so other waiters are unaffected by one caller giving up.
func (a *Authority) Refresh(ctx context.Context) (string, error) {
	return a.renew(ctx, "")
}

// renew is Refresh for a request that was sent with the token rejected and
// got a 401. If the stored token already differs, another request renewed it
// in the meantime and it is returned without a network call.
func (a *Authority) renew(ctx context.Context, rejected string) (string, error) {
	ch := a.group.DoChan(refreshKey, func() (any, error) {
		if rejected != "" {
			if current, ok := a.store.AccessToken(); ok && current != rejected {
				return current, nil
			}
		}
		return a.refresh()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (a *Authority) refresh() (string, error) {
	refreshToken, ok := a.store.RefreshToken()
	if !ok {
		return "", a.fail(ErrNoRefreshToken)
	}

	if a.hooks.OnRefreshStart != nil {
		a.hooks.OnRefreshStart()
	}
	a.log.Debug("refreshing access token")

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	access, rotated, err := a.exchange(ctx, refreshToken)
	if err != nil {
		return "", a.fail(err)
	}

	// Servers that rotate refresh tokens return a new one; otherwise keep ours.
	if rotated == "" {
		rotated = refreshToken
	}
	applied, err := a.store.ReplaceTokens(refreshToken, access, rotated)
	if err != nil {
		a.log.Warn("failed to persist refreshed tokens", "error", err)
		if a.hooks.OnStorageError != nil {
			a.hooks.OnStorageError(err)
		}
	}
	if !applied {
		// Logged out or signed in again while the call was in flight.
		if current, ok := a.store.AccessToken(); ok {
			return current, nil
		}
		return "", &AuthExpiredError{Err: errors.New("signed out during refresh")}
	}

	a.log.Debug("access token refreshed")
	if a.hooks.OnRefreshed != nil {
		a.hooks.OnRefreshed()
	}
	return access, nil
}

// exchange performs POST /auth/refresh/.
func (a *Authority) exchange(ctx context.Context, refreshToken string) (string, string, error) {
	payload, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.baseURL+refreshPath,
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := settle(a.doer.DoWithContext(ctx, req))
	if err != nil {
		return "", "", &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &oauth2.RetrieveError{Response: resp, Body: body}
	}

	var tokenResp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", "", fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if err := validateRefreshResponse(tokenResp.Access); err != nil {
		return "", "", fmt.Errorf("invalid refresh response: %w", err)
	}
	return tokenResp.Access, tokenResp.Refresh, nil
}

func validateRefreshResponse(accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return errors.New("access token is empty")
	}
	return nil
}

func (a *Authority) fail(cause error) error {
	err := &AuthExpiredError{Err: cause}
	a.log.Info("session expired", "reason", cause)
	a.Expire(err)
	return err
}

// Expire clears the credential and notifies OnSessionExpired subscribers.
// Callers use it when a request is still unauthorized after the retry.
func (a *Authority) Expire(cause error) {
	a.store.Clear()

	a.mu.Lock()
	subs := make([]func(error), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(cause)
	}
}

// OnSessionExpired registers fn to run whenever the session ends because
// tokens could not be renewed. The returned func unsubscribes.
func (a *Authority) OnSessionExpired(fn func(cause error)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}
