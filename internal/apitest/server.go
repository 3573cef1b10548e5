// Package apitest runs an in-process scanner backend for tests. It mints
// HS256 JWT access tokens, counts refresh calls and can be told to expire
// tokens or fail refreshes so client recovery paths can be exercised end to
// end.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultAccessTTL = 5 * time.Minute

type accessClaims struct {
	jwt.RegisteredClaims
	Generation int64 `json:"gen"`
}

type account struct {
	password string
	profile  map[string]any
	docs     []Document
	scans    int
}

// Document is one uploaded file as listed by /documents/.
type Document struct {
	ID         int       `json:"id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Findings   int       `json:"findings"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Server is a fake scanner API. Use New to start one.
type Server struct {
	URL string

	srv    *httptest.Server
	secret []byte

	mu        sync.Mutex
	accounts  map[string]*account
	refreshes map[string]string // refresh token -> email
	nextDoc   int

	generation   atomic.Int64
	refreshCalls atomic.Int32
	refreshFail  atomic.Int32
	refreshDelay atomic.Int64
	rotate       atomic.Bool
	rejectAll    atomic.Bool

	hitsMu sync.Mutex
	hits   map[string]int
}

// New starts a Server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		secret:    []byte(uuid.NewString()),
		accounts:  make(map[string]*account),
		refreshes: make(map[string]string),
		hits:      make(map[string]int),
	}
	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login/", s.handleLogin)
		r.Post("/register/", s.handleRegister)
		r.Post("/refresh/", s.handleRefresh)

		r.Group(func(pr chi.Router) {
			pr.Use(s.authenticate)
			pr.Get("/profile/", s.handleProfile)
			pr.Put("/profile/", s.handleUpdateProfile)
			pr.Patch("/profile/", s.handleUpdateProfile)
			pr.Post("/change-password/", s.handleChangePassword)
		})
	})

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Get("/documents/", s.handleDocuments)
		pr.Get("/documents/{id}/", s.handleDocument)
		pr.Delete("/documents/{id}/", s.handleDeleteDocument)
		pr.Post("/detect/", s.handleDetect)
		pr.Get("/stats/", s.handleStats)
	})
	return r
}

// AddUser registers an account directly. profile holds the extra fields
// returned on login besides email.
func (s *Server) AddUser(email, password string, profile map[string]any) {
	p := map[string]any{"email": email}
	for k, v := range profile {
		p[k] = v
	}
	s.mu.Lock()
	s.accounts[email] = &account{password: password, profile: p}
	s.mu.Unlock()
}

// IssueTokens mints an access/refresh pair for email as a login would.
func (s *Server) IssueTokens(email string) (access, refresh string, err error) {
	access, err = s.mintAccess(email)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.NewString()
	s.mu.Lock()
	s.refreshes[refresh] = email
	s.mu.Unlock()
	return access, refresh, nil
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.generation.Add(1)
}

// FailRefresh makes /auth/refresh/ answer with status; 0 restores success.
func (s *Server) FailRefresh(status int) {
	s.refreshFail.Store(int32(status))
}

// DelayRefresh holds every refresh response for d.
func (s *Server) DelayRefresh(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// RotateRefreshTokens makes refresh responses carry a new refresh token and
// revoke the old one.
func (s *Server) RotateRefreshTokens(on bool) {
	s.rotate.Store(on)
}

// RejectAll makes every protected route answer 401 regardless of the token.
func (s *Server) RejectAll(on bool) {
	s.rejectAll.Store(on)
}

// RefreshCalls reports how many times /auth/refresh/ was called.
func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// Hits reports how many requests reached "METHOD /path".
func (s *Server) Hits(route string) int {
	s.hitsMu.Lock()
	defer s.hitsMu.Unlock()
	return s.hits[route]
}

// Profile returns a copy of the stored profile for email.
func (s *Server) Profile(email string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[email]
	if !ok {
		return nil
	}
	return copyProfile(acc.profile)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hitsMu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		s.hitsMu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) mintAccess(email string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(defaultAccessTTL)),
		},
		Generation: s.generation.Load(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

type ctxKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			writeJSON(w, http.StatusUnauthorized, detail("Authentication credentials were not provided."))
			return
		}
		if s.rejectAll.Load() {
			writeJSON(w, http.StatusUnauthorized, tokenNotValid())
			return
		}

		var claims accessClaims
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw[len("Bearer "):]), &claims,
			func(*jwt.Token) (any, error) { return s.secret, nil })
		if err != nil || claims.Generation != s.generation.Load() {
			writeJSON(w, http.StatusUnauthorized, tokenNotValid())
			return
		}

		s.mu.Lock()
		_, ok := s.accounts[claims.Subject]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, detail("User not found"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims.Subject)))
	})
}

func subject(r *http.Request) string {
	email, _ := r.Context().Value(ctxKey{}).(string)
	return email
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, detail("Malformed request."))
		return
	}
	if missing := required(map[string]string{"email": body.Email, "password": body.Password}, "email", "password"); missing != nil {
		writeJSON(w, http.StatusBadRequest, missing)
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[body.Email]
	valid := ok && acc.password == body.Password
	var profile map[string]any
	if valid {
		profile = copyProfile(acc.profile)
	}
	s.mu.Unlock()
	if !valid {
		writeJSON(w, http.StatusUnauthorized, detail("No active account found with the given credentials"))
		return
	}

	access, refresh, err := s.IssueTokens(body.Email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
		return
	}
	profile["access"] = access
	profile["refresh"] = refresh
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, detail("Malformed request."))
		return
	}
	fields := make(map[string]string, len(body))
	for k, v := range body {
		fields[k] = fmt.Sprint(v)
	}
	if missing := required(fields, "username", "email", "password"); missing != nil {
		writeJSON(w, http.StatusBadRequest, missing)
		return
	}
	if len(fields["password"]) < 8 {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"password": {"This password is too short. It must contain at least 8 characters."},
		})
		return
	}

	s.mu.Lock()
	_, exists := s.accounts[fields["email"]]
	s.mu.Unlock()
	if exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"email": {"user with this email already exists."},
		})
		return
	}

	profile := make(map[string]any, len(body))
	for k, v := range body {
		if k != "password" {
			profile[k] = v
		}
	}
	s.AddUser(fields["email"], fields["password"], profile)
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if status := int(s.refreshFail.Load()); status != 0 {
		writeJSON(w, status, tokenNotValid())
		return
	}

	var body struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {"This field is required."}})
		return
	}

	s.mu.Lock()
	email, ok := s.refreshes[body.Refresh]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, tokenNotValid())
		return
	}

	access, err := s.mintAccess(email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
		return
	}
	resp := map[string]string{"access": access}
	if s.rotate.Load() {
		next := uuid.NewString()
		s.mu.Lock()
		delete(s.refreshes, body.Refresh)
		s.refreshes[next] = email
		s.mu.Unlock()
		resp["refresh"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Profile(subject(r)))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, detail("Malformed request."))
		return
	}
	if v, ok := body["username"]; ok && fmt.Sprint(v) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {"This field may not be blank."}})
		return
	}

	s.mu.Lock()
	acc := s.accounts[subject(r)]
	for k, v := range body {
		if k == "email" || k == "password" {
			continue
		}
		acc.profile[k] = v
	}
	profile := copyProfile(acc.profile)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, detail("Malformed request."))
		return
	}
	if len(body.NewPassword) < 8 {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"new_password": {"This password is too short. It must contain at least 8 characters."},
		})
		return
	}

	s.mu.Lock()
	acc := s.accounts[subject(r)]
	ok := acc.password == body.OldPassword
	if ok {
		acc.password = body.NewPassword
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"old_password": {"Wrong password."}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated successfully"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(msg string) map[string]string {
	return map[string]string{"detail": msg}
}

func tokenNotValid() map[string]string {
	return map[string]string{
		"detail": "Given token not valid for any token type",
		"code":   "token_not_valid",
	}
}

// required returns a field error body for the first missing key, in order.
func required(fields map[string]string, keys ...string) map[string][]string {
	for _, k := range keys {
		if strings.TrimSpace(fields[k]) == "" {
			return map[string][]string{k: {"This field is required."}}
		}
	}
	return nil
}

func copyProfile(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
