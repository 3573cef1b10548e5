package scanapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/scan-cli/account"
	"github.com/go-authgate/scan-cli/credstore"
	"github.com/go-authgate/scan-cli/internal/apitest"
	"github.com/go-authgate/scan-cli/session"
)

const testEmail = "a@b.com"

type fixture struct {
	api      *apitest.Server
	store    *credstore.Store
	accounts *account.Service
	scans    *Client
}

// newFixture signs in once and builds both API surfaces on one Authority,
// each with its own Gateway as the CLI does.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	api := apitest.New(t)
	api.AddUser(testEmail, "secret-password", map[string]any{"username": "a"})

	transport, err := session.NewTransport(0, nil)
	require.NoError(t, err)
	store := credstore.New(credstore.NewMemoryBackend(), "test")
	authority, err := session.NewAuthority(store, session.Options{BaseURL: api.URL, Doer: transport})
	require.NoError(t, err)

	f := &fixture{
		api:      api,
		store:    store,
		accounts: account.New(session.NewGateway(authority)),
		scans:    New(session.NewGateway(authority), nil),
	}
	_, err = f.accounts.Login(context.Background(), testEmail, "secret-password")
	require.NoError(t, err)
	return f
}

func TestDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs, err := f.scans.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	id := f.api.AddDocument(testEmail, "contract.pdf", 3)
	f.api.AddDocument(testEmail, "notes.txt", 0)

	docs, err = f.scans.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "contract.pdf", docs[0].Filename)

	doc, err := f.scans.Document(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Findings)

	require.NoError(t, f.scans.DeleteDocument(ctx, id))
	_, err = f.scans.Document(ctx, id)
	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, http.StatusNotFound, verr.StatusCode)
}

func TestDetectAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	content := "name: Alice\nmail: alice@example.com, bob@example.org\nnothing here\n"
	raw, err := f.scans.Detect(ctx, "/tmp/customers.txt", strings.NewReader(content))
	require.NoError(t, err)

	var result struct {
		Filename string `json:"filename"`
		Findings []struct {
			Value string `json:"value"`
			Line  int    `json:"line"`
		} `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "customers.txt", result.Filename)
	require.Len(t, result.Findings, 2)
	assert.Equal(t, "alice@example.com", result.Findings[0].Value)
	assert.Equal(t, 2, result.Findings[1].Line)

	stats, err := f.scans.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.Scans)
	assert.Equal(t, 2, stats.Findings)
}

// The upload body is replayed intact after a refresh.
func TestDetect_RetriedAfterRefresh(t *testing.T) {
	f := newFixture(t)
	f.api.ExpireAccessTokens()

	raw, err := f.scans.Detect(context.Background(), "a.txt", strings.NewReader("x@example.com\n"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "x@example.com")
	assert.Equal(t, 1, f.api.RefreshCalls())
	assert.Equal(t, 2, f.api.Hits("POST /detect/"))
}

// Requests from both surfaces that see an expired token at the same time
// share one refresh.
func TestSurfacesShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.api.RotateRefreshTokens(true)
	f.api.DelayRefresh(50 * time.Millisecond)
	f.api.ExpireAccessTokens()
	ctx := context.Background()

	const perSurface = 5
	var wg sync.WaitGroup
	errs := make(chan error, 3*perSurface)
	for range perSurface {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := f.scans.Stats(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.scans.ListDocuments(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.accounts.FetchProfile(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.api.RefreshCalls())
	assert.True(t, f.accounts.IsAuthenticated())

	// The rotated refresh token was kept, so a later renewal still works.
	f.api.DelayRefresh(0)
	f.api.ExpireAccessTokens()
	_, err := f.scans.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.RefreshCalls())
}

func TestSurfacesShareSessionExpiry(t *testing.T) {
	f := newFixture(t)
	f.api.FailRefresh(http.StatusUnauthorized)
	f.api.DelayRefresh(20 * time.Millisecond)
	f.api.ExpireAccessTokens()
	ctx := context.Background()

	var wg sync.WaitGroup
	var statsErr, profileErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, statsErr = f.scans.Stats(ctx)
	}()
	go func() {
		defer wg.Done()
		_, profileErr = f.accounts.FetchProfile(ctx)
	}()
	wg.Wait()

	assert.True(t, session.IsSessionExpired(statsErr))
	assert.True(t, session.IsSessionExpired(profileErr))
	assert.Equal(t, 1, f.api.RefreshCalls())
	assert.False(t, f.accounts.IsAuthenticated())
	_, ok := f.store.Credential()
	assert.False(t, ok)
}

func TestStillUnauthorizedAfterRetryEndsSession(t *testing.T) {
	f := newFixture(t)
	f.api.RejectAll(true)

	_, err := f.scans.ListDocuments(context.Background())
	assert.True(t, session.IsSessionExpired(err))
	assert.Equal(t, 2, f.api.Hits("GET /documents/"))
	assert.False(t, f.accounts.IsAuthenticated())
}
