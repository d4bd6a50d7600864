package token

import (
	"context"
	"time"

	"github.com/antigravity-proxy/gateway/pkg/store"
)

// RunSchedulers starts the two background loops spec §4.6 expects: a
// token-refresh sweep and a quota-sync sweep over accounts, each
// running until ctx is canceled.
func (s *Service) RunSchedulers(ctx context.Context, accounts []*store.Account, refreshInterval, quotaInterval time.Duration) {
	if refreshInterval > 0 {
		go s.runLoop(ctx, accounts, refreshInterval, s.EnsureValidToken)
	}
	if quotaInterval > 0 {
		go s.runLoop(ctx, accounts, quotaInterval, func(ctx context.Context, acct *store.Account) error {
			return s.FetchQuotaInfo(ctx, acct)
		})
	}
}

func (s *Service) runLoop(ctx context.Context, accounts []*store.Account, interval time.Duration, work func(context.Context, *store.Account) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, acct := range accounts {
				if err := work(ctx, acct); err != nil && s.logger != nil {
					s.logger.Warn("scheduler: account sweep failed", "account", acct.ID, "error", err)
				}
			}
		}
	}
}
