package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity-proxy/gateway/pkg/store"
)

// accountRecord is the on-the-wire shape of one entry in the
// ANTIGRAVITY_ACCOUNTS_JSON env var: a minimal JSON array of OAuth
// client credentials, the one piece of account bootstrap this system
// owns directly (persistence/admin CRUD for accounts is an external
// collaborator, spec §6.4).
type accountRecord struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// LoadAccounts reads ANTIGRAVITY_ACCOUNTS_JSON, a JSON array of
// {id,client_id,client_secret,refresh_token} records, into accounts
// ready for the token service to refresh on first use. An empty or
// unset env var yields an empty, non-nil slice rather than an error.
func LoadAccounts() ([]*store.Account, error) {
	raw := os.Getenv("ANTIGRAVITY_ACCOUNTS_JSON")
	if raw == "" {
		return []*store.Account{}, nil
	}

	var records []accountRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("config: invalid ANTIGRAVITY_ACCOUNTS_JSON: %w", err)
	}

	accounts := make([]*store.Account, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("config: account missing id")
		}
		accounts = append(accounts, &store.Account{
			ID:           rec.ID,
			ClientID:     rec.ClientID,
			ClientSecret: rec.ClientSecret,
			RefreshToken: rec.RefreshToken,
			Status:       store.AccountStatusActive,
		})
	}
	return accounts, nil
}
