// Package token implements the OAuth token and quota service (spec
// §4.6): refreshing account access tokens, resolving the upstream
// cloud-assist project, and syncing per-model quota. Refresh
// singleflight is grounded on the teacher's use of
// golang.org/x/sync/singleflight in its polling/dedup paths
// (pkg/internal/polling/poller.go).
package token

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	ihttp "github.com/antigravity-proxy/gateway/pkg/internal/http"
	"github.com/antigravity-proxy/gateway/pkg/store"
)

// refreshSkew is how far ahead of actual expiry a token is considered
// due for refresh (spec §4.6).
const refreshSkew = 5 * time.Minute

// Service refreshes OAuth tokens, resolves cloud-assist project ids,
// and syncs quota for a pool of accounts.
type Service struct {
	http       *ihttp.Client
	tokenURL   string
	accounts   store.AccountStore
	quotas     store.QuotaStore
	logger     *slog.Logger
	refreshSF  singleflight.Group
	modelAlias map[string]string // public model -> upstream model, for quota scoping
	now        func() time.Time
}

// Config configures a Service.
type Config struct {
	UpstreamBaseURL string
	OAuthTokenURL   string
	Accounts        store.AccountStore
	Quotas          store.QuotaStore
	Logger          *slog.Logger
	ModelAlias      map[string]string
}

func New(cfg Config) *Service {
	return &Service{
		http:       ihttp.NewClient(ihttp.Config{BaseURL: cfg.UpstreamBaseURL}),
		tokenURL:   cfg.OAuthTokenURL,
		accounts:   cfg.Accounts,
		quotas:     cfg.Quotas,
		logger:     cfg.Logger,
		modelAlias: cfg.ModelAlias,
		now:        time.Now,
	}
}

// EnsureValidToken refreshes acct's access token if it is missing or
// within refreshSkew of expiry (spec §4.6).
func (s *Service) EnsureValidToken(ctx context.Context, acct *store.Account) error {
	if acct.AccessToken != "" && s.now().Add(refreshSkew).Before(acct.TokenExpiresAt) {
		return nil
	}
	_, err := s.ForceRefreshToken(ctx, acct)
	return err
}

// tokenResponse is the OAuth token endpoint's JSON body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// ForceRefreshToken refreshes acct's token via the OAuth endpoint.
// Concurrent callers for the same account id share one in-flight HTTP
// POST (spec §4.6, §5 Singleflight).
func (s *Service) ForceRefreshToken(ctx context.Context, acct *store.Account) (string, error) {
	v, err, _ := s.refreshSF.Do(acct.ID, func() (any, error) {
		form := url.Values{
			"client_id":     {acct.ClientID},
			"client_secret": {acct.ClientSecret},
			"grant_type":    {"refresh_token"},
			"refresh_token": {acct.RefreshToken},
		}
		req, reqErr := formRequest(ctx, s.tokenURL, form)
		if reqErr != nil {
			return "", reqErr
		}
		var tok tokenResponse
		if doErr := s.http.DoFormJSON(ctx, req, &tok); doErr != nil {
			acct.Status = store.AccountStatusError
			acct.StatusMessage = doErr.Error()
			if s.accounts != nil {
				_ = s.accounts.SaveAccount(ctx, acct)
			}
			return "", doErr
		}
		acct.AccessToken = tok.AccessToken
		acct.TokenExpiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		acct.Status = store.AccountStatusActive
		acct.StatusMessage = ""
		if s.accounts != nil {
			_ = s.accounts.SaveAccount(ctx, acct)
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
	CurrentTier             struct {
		ID string `json:"id"`
	} `json:"currentTier"`
}

// FetchProjectID resolves acct's cloud-assist project and tier (spec
// §4.6, §6.2).
func (s *Service) FetchProjectID(ctx context.Context, acct *store.Account) error {
	var resp loadCodeAssistResponse
	err := s.http.DoJSON(ctx, s.authedJSON("/v1internal:loadCodeAssist", acct, bearerBody{}), &resp)
	if err != nil {
		return fmt.Errorf("loadCodeAssist: %w", err)
	}
	acct.CloudAICompanionProject = resp.CloudAICompanionProject
	if resp.CurrentTier.ID != "" {
		acct.TierID = resp.CurrentTier.ID
	} else {
		acct.TierID = "free-tier"
	}
	if s.accounts != nil {
		return s.accounts.SaveAccount(ctx, acct)
	}
	return nil
}

type bearerBody struct{}

type fetchAvailableModelsResponse struct {
	Models map[string]struct {
		DisplayName string `json:"displayName"`
		QuotaInfo   *struct {
			RemainingFraction float64 `json:"remainingFraction"`
			ResetTime         string  `json:"resetTime"`
		} `json:"quotaInfo,omitempty"`
	} `json:"models"`
}

// FetchQuotaInfo syncs per-model quota for acct, recording the
// account-level quota as the minimum remainingFraction across exposed
// models, or 0 if no model reported a quotaInfo at all (spec §4.6).
func (s *Service) FetchQuotaInfo(ctx context.Context, acct *store.Account) error {
	details, err := s.FetchDetailedQuotaInfo(ctx, acct)
	if err != nil {
		return err
	}
	if s.quotas == nil {
		return nil
	}
	minFraction := -1.0
	var resetTime time.Time
	for model, q := range details {
		if minFraction < 0 || q.RemainingFraction < minFraction {
			minFraction = q.RemainingFraction
			resetTime = q.ResetTime
		}
		if err := s.quotas.SaveQuota(ctx, acct.ID, model, q); err != nil {
			return err
		}
	}
	if minFraction < 0 {
		minFraction = 0
	}
	return s.quotas.SaveQuota(ctx, acct.ID, "__account__", store.QuotaInfo{RemainingFraction: clamp01(minFraction), ResetTime: resetTime})
}

// FetchDetailedQuotaInfo returns per-upstream-model quota for acct,
// clamped to [0,1].
func (s *Service) FetchDetailedQuotaInfo(ctx context.Context, acct *store.Account) (map[string]store.QuotaInfo, error) {
	var resp fetchAvailableModelsResponse
	if err := s.http.DoJSON(ctx, s.authedJSON("/v1internal:fetchAvailableModels", acct, bearerBody{}), &resp); err != nil {
		return nil, fmt.Errorf("fetchAvailableModels: %w", err)
	}
	out := map[string]store.QuotaInfo{}
	for model, m := range resp.Models {
		if !exposedModel(s.modelAlias, model) {
			continue
		}
		if m.QuotaInfo == nil {
			continue
		}
		resetTime, _ := time.Parse(time.RFC3339, m.QuotaInfo.ResetTime)
		out[model] = store.QuotaInfo{RemainingFraction: clamp01(m.QuotaInfo.RemainingFraction), ResetTime: resetTime}
	}
	return out, nil
}

func exposedModel(alias map[string]string, upstreamModel string) bool {
	if len(alias) == 0 {
		return true
	}
	for _, v := range alias {
		if v == upstreamModel {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// authedJSON builds a bearer-authenticated POST request against this
// service's upstream base URL.
func (s *Service) authedJSON(path string, acct *store.Account, body any) ihttp.Request {
	return ihttp.Request{
		Method:  "POST",
		Path:    path,
		Headers: map[string]string{"Authorization": "Bearer " + acct.AccessToken},
		Body:    body,
	}
}

func formRequest(ctx context.Context, fullURL string, form url.Values) (ihttp.Request, error) {
	u, err := url.Parse(fullURL)
	if err != nil {
		return ihttp.Request{}, err
	}
	return ihttp.Request{
		Method:  "POST",
		Path:    u.Path,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    strings.NewReader(form.Encode()),
		AbsoluteURL: fullURL,
	}, nil
}
