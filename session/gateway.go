package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// maxAttempts is the original send plus one replay after a refresh.
const maxAttempts = 2

// Gateway executes requests with bearer authorization and one-shot recovery
// from an expired access token.
type Gateway struct {
	authority *Authority
	doer      Doer
	baseURL   string
	timeout   time.Duration
	log       *slog.Logger
}

// GatewayOption overrides a setting inherited from the Authority.
type GatewayOption func(*Gateway)

// WithBaseURL points the Gateway at another host, e.g. a separate stats API.
func WithBaseURL(baseURL string) GatewayOption {
	return func(g *Gateway) {
		g.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithDoer replaces the HTTP transport.
func WithDoer(d Doer) GatewayOption {
	return func(g *Gateway) {
		g.doer = d
	}
}

// WithRequestTimeout sets the per-attempt timeout.
func WithRequestTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGateway returns a Gateway that renews tokens through a. By default it
// shares a's base URL, transport, timeout and logger.
func NewGateway(a *Authority, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		authority: a,
		doer:      a.doer,
		baseURL:   a.baseURL,
		timeout:   a.timeout,
		log:       a.log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authority returns the token authority shared by this Gateway.
func (g *Gateway) Authority() *Authority {
	return g.authority
}

// Execute sends req. Any response other than a 401 is returned unchanged,
// including other errors; non-2xx is not an error at this layer. A 401 on
// the first attempt triggers a refresh and one replay with the new token
// whose response is returned verbatim. If the refresh fails, the error wraps
// ErrSessionExpired.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	token := ""
	if !req.Public {
		token, _ = g.authority.store.AccessToken()
	}

	for attempt := 1; ; attempt++ {
		resp, err := g.send(ctx, req, token, attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || req.Public || attempt >= maxAttempts {
			return resp, nil
		}

		g.log.Debug("access token rejected",
			"method", req.Method, "path", req.Path, "request_id", req.ID)
		if g.authority.hooks.OnRejected != nil {
			g.authority.hooks.OnRejected(req)
		}

		fresh, err := g.authority.renew(ctx, token)
		if err != nil {
			var expired *AuthExpiredError
			if errors.As(err, &expired) {
				return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
			}
			return nil, err
		}
		token = fresh
	}
}

// send performs one attempt under its own timeout and reads the whole body.
func (g *Gateway) send(ctx context.Context, req Request, token string, attempt int) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	target := g.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", req.ID)
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	}

	resp, err := settle(g.doer.DoWithContext(reqCtx, httpReq))
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: target, Err: err}
	}

	g.log.Debug("api call",
		"method", req.Method, "path", req.Path, "status", resp.StatusCode,
		"attempt", attempt, "request_id", req.ID)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Attempts:   attempt,
		RequestID:  req.ID,
	}, nil
}
