package dispatch

import (
	"time"

	"github.com/antigravity-proxy/gateway/pkg/account"
	"github.com/antigravity-proxy/gateway/pkg/retryengine"
)

// poolAdapter bridges *account.Pool to retryengine.AccountPool. The
// two interfaces agree on every method except GetNextAccount, whose
// concrete return type (*store.Account) doesn't satisfy the
// interface-typed signature retryengine wants — Go requires an exact
// method signature match, not a covariant return. *store.Account
// already implements retryengine.AccountHandle (via its AccountID
// method), so boxing it into the interface here is the only work
// needed; attempt callbacks recover the concrete type with a type
// assertion.
type poolAdapter struct {
	pool *account.Pool
}

func newPoolAdapter(pool *account.Pool) *poolAdapter {
	return &poolAdapter{pool: pool}
}

func (a *poolAdapter) GetNextAccount(model string) (retryengine.AccountHandle, bool) {
	acct, ok := a.pool.GetNextAccount(model)
	if !ok {
		return nil, false
	}
	return acct, true
}

func (a *poolAdapter) UnlockAccount(id string)      { a.pool.UnlockAccount(id) }
func (a *poolAdapter) MarkAccountSuccess(id string) { a.pool.MarkAccountSuccess(id) }
func (a *poolAdapter) MarkAccountError(id string, err error) {
	a.pool.MarkAccountError(id, err)
}
func (a *poolAdapter) MarkCapacityLimited(id, model, message string, resetAfter time.Duration) {
	a.pool.MarkCapacityLimited(id, model, message, resetAfter)
}
func (a *poolAdapter) MarkCapacityRecovered(id, model string) {
	a.pool.MarkCapacityRecovered(id, model)
}
func (a *poolAdapter) GetAvailableAccountCount() int { return a.pool.GetAvailableAccountCount() }
