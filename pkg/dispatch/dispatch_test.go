package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/pkg/account"
	ihttp "github.com/antigravity-proxy/gateway/pkg/internal/http"
	"github.com/antigravity-proxy/gateway/pkg/retryengine"
	"github.com/antigravity-proxy/gateway/pkg/store"
	"github.com/antigravity-proxy/gateway/pkg/token"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

func freshAccount(id string) *store.Account {
	return &store.Account{
		ID:             id,
		AccessToken:    "tok-" + id,
		TokenExpiresAt: time.Now().Add(time.Hour),
		Status:         store.AccountStatusActive,
	}
}

func newDispatcher(t *testing.T, serverURL string, accounts ...*store.Account) (*Dispatcher, *account.Pool) {
	t.Helper()
	pool := account.New(accounts, 0)
	tokens := token.New(token.Config{UpstreamBaseURL: serverURL, OAuthTokenURL: serverURL + "/token"})
	upstreamClient := NewUpstreamClient(ihttp.NewClient(ihttp.Config{BaseURL: serverURL}), 0, 0)
	d := New(pool, tokens, upstreamClient, retryengine.Config{
		ConfiguredRetries:  1,
		BaseDelay:          time.Millisecond,
		SameAccountRetries: 1,
		AccountSwitchDelay: time.Millisecond,
	}, nil)
	return d, pool
}

func writeResponseEnvelope(t *testing.T, w http.ResponseWriter, resp upstream.Response) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(upstream.ResponseEnvelope{Response: resp})
}

func TestNonStreamSucceedsFirstAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResponseEnvelope(t, w, upstream.Response{
			Candidates: []upstream.Candidate{{Content: upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "hello"}}}, FinishReason: upstream.FinishStop}},
		})
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, srv.URL, freshAccount("a1"))
	resp, err := d.NonStream(context.Background(), "gemini-2.5-pro", upstream.Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Candidates[0].Content.Parts[0].Text)
}

func TestNonStreamRotatesOnCapacityError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Resource has been exhausted, reset after 1s"}}`))
			return
		}
		writeResponseEnvelope(t, w, upstream.Response{Candidates: []upstream.Candidate{{FinishReason: upstream.FinishStop}}})
	}))
	defer srv.Close()

	d, pool := newDispatcher(t, srv.URL, freshAccount("a1"), freshAccount("a2"))
	_, err := d.NonStream(context.Background(), "gemini-2.5-pro", upstream.Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.NotEmpty(t, pool.ModelCooldowns()["gemini-2.5-pro"])
}

func TestNonStreamClientErrorDoesNotRotate(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid argument"}}`))
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, srv.URL, freshAccount("a1"), freshAccount("a2"))
	_, err := d.NonStream(context.Background(), "gemini-2.5-pro", upstream.Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNonStreamAuthExpiredInlineRetrySucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "refreshed", "expires_in": 3600})
			return
		}
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"token expired"}}`))
			return
		}
		writeResponseEnvelope(t, w, upstream.Response{Candidates: []upstream.Candidate{{FinishReason: upstream.FinishStop}}})
	}))
	defer srv.Close()

	acct := freshAccount("a1")
	acct.ClientID, acct.ClientSecret, acct.RefreshToken = "id", "secret", "refresh"
	d, _ := newDispatcher(t, srv.URL, acct)
	_, err := d.NonStream(context.Background(), "gemini-2.5-pro", upstream.Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "refreshed", acct.AccessToken)
}

func TestStreamForwardsChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		_ = enc.Encode(upstream.ResponseEnvelope{Response: upstream.Response{Candidates: []upstream.Candidate{{Content: upstream.Content{Parts: []upstream.Part{{Text: "a"}}}}}}})
		_ = enc.Encode(upstream.ResponseEnvelope{Response: upstream.Response{Candidates: []upstream.Candidate{{Content: upstream.Content{Parts: []upstream.Part{{Text: "b"}}}, FinishReason: upstream.FinishStop}}}})
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, srv.URL, freshAccount("a1"))
	var got []string
	err := d.Stream(context.Background(), "gemini-2.5-pro", upstream.Request{}, func(resp upstream.Response) error {
		got = append(got, resp.Candidates[0].Content.Parts[0].Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStreamDoesNotRotateAfterFirstChunk(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(upstream.ResponseEnvelope{Response: upstream.Response{Candidates: []upstream.Candidate{{Content: upstream.Content{Parts: []upstream.Part{{Text: "partial"}}}}}}})
		_, _ = w.Write([]byte(`{"response":{`)) // truncated second event: forces a decode error after the first chunk already committed
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, srv.URL, freshAccount("a1"), freshAccount("a2"))
	var got []string
	err := d.Stream(context.Background(), "gemini-2.5-pro", upstream.Request{}, func(resp upstream.Response) error {
		got = append(got, resp.Candidates[0].Content.Parts[0].Text)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"partial"}, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNonStreamConcurrencyGateSaturatedReturnsCapacityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResponseEnvelope(t, w, upstream.Response{Candidates: []upstream.Candidate{{FinishReason: upstream.FinishStop}}})
	}))
	defer srv.Close()

	pool := account.New([]*store.Account{freshAccount("a1")}, 1)
	tokens := token.New(token.Config{UpstreamBaseURL: srv.URL, OAuthTokenURL: srv.URL + "/token"})
	upstreamClient := NewUpstreamClient(ihttp.NewClient(ihttp.Config{BaseURL: srv.URL}), 0, 0)
	d := New(pool, tokens, upstreamClient, retryengine.Config{ConfiguredRetries: 0, BaseDelay: time.Millisecond, SameAccountRetries: 1, AccountSwitchDelay: time.Millisecond}, nil)

	require.True(t, pool.AcquireModelSlot("gemini-2.5-pro"))
	defer pool.ReleaseModelSlot("gemini-2.5-pro")

	_, err := d.NonStream(context.Background(), "gemini-2.5-pro", upstream.Request{})
	require.Error(t, err)
}
