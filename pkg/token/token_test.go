package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/pkg/store"
)

func TestEnsureValidTokenSkipsWhenFresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"access_token":"new","expires_in":3600}`))
	}))
	defer srv.Close()

	accounts := store.NewMemoryAccountStore()
	svc := New(Config{OAuthTokenURL: srv.URL, Accounts: accounts})
	acct := &store.Account{ID: "a1", AccessToken: "existing", TokenExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, svc.EnsureValidToken(context.Background(), acct))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestEnsureValidTokenRefreshesWhenNearExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"access_token":"new-token","expires_in":3600}`))
	}))
	defer srv.Close()

	accounts := store.NewMemoryAccountStore()
	svc := New(Config{OAuthTokenURL: srv.URL, Accounts: accounts})
	acct := &store.Account{ID: "a1", AccessToken: "old", TokenExpiresAt: time.Now().Add(time.Minute)}

	require.NoError(t, svc.EnsureValidToken(context.Background(), acct))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "new-token", acct.AccessToken)
}

func TestForceRefreshTokenSingleflight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	svc := New(Config{OAuthTokenURL: srv.URL})
	acct := &store.Account{ID: "shared"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ForceRefreshToken(context.Background(), acct)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestForceRefreshTokenFailureMarksAccountError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	accounts := store.NewMemoryAccountStore()
	svc := New(Config{OAuthTokenURL: srv.URL, Accounts: accounts})
	acct := &store.Account{ID: "a1"}

	_, err := svc.ForceRefreshToken(context.Background(), acct)
	assert.Error(t, err)
	assert.Equal(t, store.AccountStatusError, acct.Status)
}

func TestFetchDetailedQuotaInfoClampsAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":{
			"gemini-pro":{"displayName":"Gemini","quotaInfo":{"remainingFraction":1.5,"resetTime":"2026-01-01T00:00:00Z"}},
			"other-model":{"displayName":"Other"}
		}}`))
	}))
	defer srv.Close()

	svc := New(Config{UpstreamBaseURL: srv.URL, ModelAlias: map[string]string{"public": "gemini-pro"}})
	acct := &store.Account{ID: "a1", AccessToken: "tok"}

	details, err := svc.FetchDetailedQuotaInfo(context.Background(), acct)
	require.NoError(t, err)
	require.Contains(t, details, "gemini-pro")
	assert.Equal(t, 1.0, details["gemini-pro"].RemainingFraction)
	assert.NotContains(t, details, "other-model")
}

func TestFetchQuotaInfoRecordsZeroWhenNoModelHasQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":{"gemini-pro":{"displayName":"Gemini"}}}`))
	}))
	defer srv.Close()

	quotas := store.NewMemoryQuotaStore()
	svc := New(Config{UpstreamBaseURL: srv.URL, Quotas: quotas, ModelAlias: map[string]string{"public": "gemini-pro"}})
	acct := &store.Account{ID: "a1", AccessToken: "tok"}

	require.NoError(t, svc.FetchQuotaInfo(context.Background(), acct))
	q, ok, err := quotas.GetQuota(context.Background(), "a1", "__account__")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, q.RemainingFraction)
}
