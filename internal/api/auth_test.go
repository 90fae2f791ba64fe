package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

// stubRefresher hands out a fixed token, or fails, and counts calls
type stubRefresher struct {
	store *tokenstore.Store
	token string
	err   error
	calls int32
}

func (s *stubRefresher) RefreshAccessToken(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return "", s.err
	}
	_ = s.store.Set(tokenstore.KeyAccessToken, s.token)
	return s.token, nil
}

func (s *stubRefresher) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

func newInterceptedClient(t *testing.T, serverURL string, refresher *stubRefresher) (*AuthenticatedClient, *tokenstore.Store) {
	t.Helper()
	store := tokenstore.NewMemory()
	_ = store.Set(tokenstore.KeyAccessToken, "stale-token")
	refresher.store = store
	factory := NewFactory(newTestClient(serverURL), store, refresher)
	return factory.New("/farms"), store
}

func TestAuthenticatedClient_RefreshAndReplay(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path != "/farms/animals" {
			t.Errorf("expected /farms/animals, got %s", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"tag":"cow-7"}` {
			t.Errorf("expected body on every attempt, got %q", body)
		}

		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a1"})
	}))
	defer server.Close()

	refresher := &stubRefresher{token: "fresh-token"}
	client, store := newInterceptedClient(t, server.URL, refresher)

	var out map[string]string
	err := client.DoJSON(context.Background(), http.MethodPost, "animals", map[string]string{"tag": "cow-7"}, &out)
	if err != nil {
		t.Fatalf("expected replayed request to succeed, got %v", err)
	}

	if out["id"] != "a1" {
		t.Errorf("expected retried response body, got %v", out)
	}
	if refresher.Calls() != 1 {
		t.Errorf("expected 1 refresh, got %d", refresher.Calls())
	}
	if atomic.LoadInt32(&requests) != 2 {
		t.Errorf("expected 2 requests, got %d", requests)
	}
	if token, _ := store.Get(tokenstore.KeyAccessToken); token != "fresh-token" {
		t.Errorf("expected fresh token persisted, got %q", token)
	}
}

func TestAuthenticatedClient_SecondUnauthorizedIsFinal(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refresher := &stubRefresher{token: "fresh-token"}
	client, _ := newInterceptedClient(t, server.URL, refresher)

	err := client.DoJSON(context.Background(), http.MethodGet, "user", nil, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if refresher.Calls() != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", refresher.Calls())
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("expected original request and one replay, got %d requests", got)
	}
}

func TestAuthenticatedClient_RefreshFailure(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refreshErr := errors.New("refresh rejected")
	refresher := &stubRefresher{err: refreshErr}
	client, _ := newInterceptedClient(t, server.URL, refresher)

	err := client.DoJSON(context.Background(), http.MethodGet, "user", nil, nil)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, refreshErr) {
		t.Fatalf("expected ErrUnauthorized wrapping refresh error, got %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("expected no replay after failed refresh, got %d requests", got)
	}
}

func TestAuthenticatedClient_PassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stale-token" {
			t.Errorf("expected stored token attached, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer server.Close()

	refresher := &stubRefresher{token: "fresh-token"}
	client, _ := newInterceptedClient(t, server.URL, refresher)

	req, _ := http.NewRequest(http.MethodGet, client.URL("user"), nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected response, got %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 passed through, got %d", resp.StatusCode)
	}
	if refresher.Calls() != 0 {
		t.Errorf("expected no refresh, got %d", refresher.Calls())
	}

	var statusErr *StatusError
	err = client.DoJSON(context.Background(), http.MethodGet, "user", nil, nil)
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound || statusErr.Body != "missing" {
		t.Errorf("expected StatusError 404, got %v", err)
	}
}

func TestAuthenticatedClient_NoTokenNoHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("expected no Authorization header, got %q", h)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	client := NewFactory(newTestClient(server.URL), store, &stubRefresher{store: store}).New("farms")

	if err := client.DoJSON(context.Background(), http.MethodGet, "user", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthenticatedClient_ConcurrentUnauthorizedRefreshIndependently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := tokenstore.NewMemory()
	_ = store.Set(tokenstore.KeyAccessToken, "stale-token")
	refresher := &stubRefresher{store: store, token: "fresh-token"}
	factory := NewFactory(newTestClient(server.URL), store, refresher)

	const n = 5
	// Every request is built with the stale token before any refresh lands
	reqs := make([]*http.Request, n)
	for i := range reqs {
		reqs[i], _ = http.NewRequest(http.MethodGet, server.URL+"/farms/user", nil)
		reqs[i].Header.Set("Authorization", "Bearer stale-token")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(req *http.Request) {
			defer wg.Done()
			ac := factory.New("/farms")
			resp, err := ac.do(req, attempt{})
			if err != nil {
				errs <- err
				return
			}
			_ = resp.Body.Close()
		}(reqs[i])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if refresher.Calls() != n {
		t.Errorf("expected %d independent refreshes, got %d", n, refresher.Calls())
	}
}

func TestAuthenticatedClient_URL(t *testing.T) {
	client := NewAuthenticatedClient(NewClient("http://api.local/"), "/farms/", nil, nil)

	if got := client.URL("user"); got != "http://api.local/farms/user" {
		t.Errorf("unexpected URL %s", got)
	}
	if got := client.URL(""); got != "http://api.local/farms" {
		t.Errorf("unexpected URL %s", got)
	}

	root := NewAuthenticatedClient(NewClient("http://api.local"), "", nil, nil)
	if got := root.URL("/health"); got != "http://api.local/health" {
		t.Errorf("unexpected URL %s", got)
	}
}

// refresherFunc adapts a function to Refresher
type refresherFunc func(ctx context.Context) (string, error)

func (f refresherFunc) RefreshAccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

func TestAuthenticatedClient_RefreshOutlivesCancelledRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var refreshCtxErr error
	refresher := refresherFunc(func(refreshCtx context.Context) (string, error) {
		// the caller gives up while the refresh is running
		cancel()
		refreshCtxErr = refreshCtx.Err()
		return "fresh-token", nil
	})

	store := tokenstore.NewMemory()
	_ = store.Set(tokenstore.KeyAccessToken, "stale-token")
	client := NewFactory(newTestClient(server.URL), store, refresher).New("/farms")

	err := client.DoJSON(ctx, http.MethodGet, "user", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the replay to observe the cancelled request, got %v", err)
	}
	if refreshCtxErr != nil {
		t.Errorf("expected refresh context to stay live, got %v", refreshCtxErr)
	}
}
