// Package store defines the persistence collaborators this system
// consumes (spec §6.4). Account and quota storage are interface-only:
// concrete CRUD lives outside this system's scope. The signature
// cache is the one table this system owns end to end; its concrete
// implementation lives in pkg/store/sqlite.
package store

import (
	"context"
	"time"
)

// AccountStatus is the health state of one upstream account.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusError  AccountStatus = "error"
)

// Account is one upstream OAuth-backed account record.
type Account struct {
	ID           string
	ClientID     string
	ClientSecret string
	RefreshToken string

	AccessToken    string
	TokenExpiresAt time.Time

	CloudAICompanionProject string
	TierID                  string

	Status        AccountStatus
	StatusMessage string
}

// AccountID satisfies pkg/retryengine.AccountHandle.
func (a *Account) AccountID() string { return a.ID }

// QuotaInfo is one (account, model) quota observation (spec §4.6).
type QuotaInfo struct {
	RemainingFraction float64
	ResetTime         time.Time
}

// AccountStore is the external collaborator owning account CRUD. This
// system only reads and updates token/status fields through it.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]*Account, error)
	SaveAccount(ctx context.Context, acct *Account) error
}

// QuotaStore is the external collaborator owning quota CRUD.
type QuotaStore interface {
	SaveQuota(ctx context.Context, accountID, model string, info QuotaInfo) error
	GetQuota(ctx context.Context, accountID, model string) (QuotaInfo, bool, error)
}
