// Package account implements the account pool and per-model
// concurrency gate (spec §4.7): round-robin selection with per-account
// locking, per-(account,model) capacity cooldowns, and a counting-
// semaphore concurrency gate. Grounded on the teacher's per-resource
// mutex idiom (pkg/internal/polling/poller.go locks one poll target at
// a time). golang.org/x/time/rate is used elsewhere, as an actual
// rate limiter pacing outbound upstream calls — see
// pkg/dispatch.UpstreamClient.Pacer.
package account

import (
	"sort"
	"sync"
	"time"

	"github.com/antigravity-proxy/gateway/pkg/store"
)

// entry is the pool's private bookkeeping for one account. locked
// guards dispatch exclusivity: only one caller may hold an account at
// a time. It is distinct from the account's Status, which records
// health, not availability.
type entry struct {
	account *store.Account
	locked  bool
}

// cooldown records a capacity-limited (account, model) pair and when
// it is expected to clear.
type cooldown struct {
	until   time.Time
	message string
}

const baselineCooldown = 30 * time.Second

// Pool selects and locks accounts for the dispatcher, tracks
// per-(account,model) capacity cooldowns, and gates per-model
// concurrency. One Pool instance is shared across all requests.
type Pool struct {
	mu      sync.Mutex // protects entries (locked flags, status, round-robin cursor) per spec §5
	entries []*entry
	cursor  int

	cdMu      sync.Mutex // protects cooldowns, separate from the account lock per spec §5
	cooldowns map[string]cooldown // key: accountID + "\x00" + model

	gateMu    sync.Mutex // protects inFlight, the gate's own mutex per spec §5
	gateLimit int        // MAX_CONCURRENT_PER_MODEL; 0 disables the gate
	inFlight  map[string]int
}

// New builds a Pool over accounts. maxConcurrentPerModel is the
// concurrency-gate cap; 0 or negative disables the gate.
func New(accounts []*store.Account, maxConcurrentPerModel int) *Pool {
	p := &Pool{
		cooldowns: map[string]cooldown{},
		gateLimit: maxConcurrentPerModel,
		inFlight:  map[string]int{},
	}
	for _, a := range accounts {
		p.entries = append(p.entries, &entry{account: a})
	}
	return p
}

func cooldownKey(accountID, model string) string {
	return accountID + "\x00" + model
}

// GetNextAccount returns an unlocked account not in a capacity
// cooldown for model; if every healthy account is cooling down, the
// one whose cooldown expires soonest; if none are healthy at all, any
// unlocked account. Returns (nil, false) when every account is
// currently locked by another caller. The returned account is locked;
// the caller must call UnlockAccount (or MarkAccountSuccess/
// MarkAccountError, which unlock as a side effect) when done.
func (p *Pool) GetNextAccount(model string) (*store.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return nil, false
	}

	var chosenFree, chosenCooling, chosenAny *entry
	var coolingUntil time.Time

	for i := 0; i < n; i++ {
		e := p.entries[(p.cursor+i)%n]
		if e.locked {
			continue
		}
		if chosenAny == nil {
			chosenAny = e
		}
		if e.account.Status == store.AccountStatusError {
			continue
		}
		until, cooling := p.cooldownUntil(e.account.ID, model)
		if !cooling {
			chosenFree = e
			break
		}
		if chosenCooling == nil || until.Before(coolingUntil) {
			chosenCooling = e
			coolingUntil = until
		}
	}

	chosen := chosenFree
	if chosen == nil {
		chosen = chosenCooling
	}
	if chosen == nil {
		chosen = chosenAny
	}
	if chosen == nil {
		return nil, false
	}

	chosen.locked = true
	for i, e := range p.entries {
		if e == chosen {
			p.cursor = i + 1
			break
		}
	}
	return chosen.account, true
}

func (p *Pool) cooldownUntil(accountID, model string) (time.Time, bool) {
	p.cdMu.Lock()
	defer p.cdMu.Unlock()
	cd, ok := p.cooldowns[cooldownKey(accountID, model)]
	if !ok || time.Now().After(cd.until) {
		return time.Time{}, false
	}
	return cd.until, true
}

func (p *Pool) findEntry(id string) *entry {
	for _, e := range p.entries {
		if e.account.ID == id {
			return e
		}
	}
	return nil
}

// UnlockAccount releases id's lock without changing its status.
func (p *Pool) UnlockAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.findEntry(id); e != nil {
		e.locked = false
	}
}

// MarkAccountSuccess clears any error status and unlocks id.
func (p *Pool) MarkAccountSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findEntry(id)
	if e == nil {
		return
	}
	e.account.Status = store.AccountStatusActive
	e.account.StatusMessage = ""
	e.locked = false
}

// MarkAccountError records err's message on id's status and unlocks
// it. This does not set a capacity cooldown; call MarkCapacityLimited
// separately for capacity errors.
func (p *Pool) MarkAccountError(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findEntry(id)
	if e == nil {
		return
	}
	e.account.Status = store.AccountStatusError
	if err != nil {
		e.account.StatusMessage = err.Error()
	}
	e.locked = false
}

// MarkCapacityLimited opens a cooldown window for (id, model).
// resetAfter, if non-zero, sets the window length; otherwise the
// baseline cooldown applies (spec §4.7/§4.8).
func (p *Pool) MarkCapacityLimited(id, model, message string, resetAfter time.Duration) {
	if resetAfter <= 0 {
		resetAfter = baselineCooldown
	}
	p.cdMu.Lock()
	p.cooldowns[cooldownKey(id, model)] = cooldown{until: time.Now().Add(resetAfter), message: message}
	p.cdMu.Unlock()
}

// MarkCapacityRecovered clears any cooldown for (id, model).
func (p *Pool) MarkCapacityRecovered(id, model string) {
	p.cdMu.Lock()
	delete(p.cooldowns, cooldownKey(id, model))
	p.cdMu.Unlock()
}

// GetAvailableAccountCount returns the number of accounts not
// currently in an error status, used by the retry engine to size
// dynamic retry budgets.
func (p *Pool) GetAvailableAccountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.account.Status != store.AccountStatusError {
			n++
		}
	}
	return n
}

// AcquireModelSlot attempts to reserve one concurrency-gate slot for
// model. Returns false when the gate is enabled and already at
// capacity; the dispatcher surfaces that as a retryable capacity
// event. If the gate is disabled (cap <= 0) this always succeeds.
func (p *Pool) AcquireModelSlot(model string) bool {
	if p.gateLimit <= 0 {
		return true
	}
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.inFlight[model] >= p.gateLimit {
		return false
	}
	p.inFlight[model]++
	return true
}

// ReleaseModelSlot returns model's concurrency-gate slot.
func (p *Pool) ReleaseModelSlot(model string) {
	if p.gateLimit <= 0 {
		return
	}
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.inFlight[model] > 0 {
		p.inFlight[model]--
	}
}

// AccountStatus is a read-only snapshot row for the admin surface
// (SPEC_FULL.md §5.10).
type AccountStatus struct {
	ID            string
	Status        store.AccountStatus
	StatusMessage string
	Locked        bool
}

// Snapshot returns the current status of every pooled account, sorted
// by id for stable output.
func (p *Pool) Snapshot() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AccountStatus, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, AccountStatus{
			ID:            e.account.ID,
			Status:        e.account.Status,
			StatusMessage: e.account.StatusMessage,
			Locked:        e.locked,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CooldownStatus is a read-only capacity-cooldown row for the admin
// surface.
type CooldownStatus struct {
	AccountID string
	Model     string
	Until     time.Time
	Message   string
}

// ModelCooldowns returns every active capacity cooldown, grouped by
// model.
func (p *Pool) ModelCooldowns() map[string][]CooldownStatus {
	p.cdMu.Lock()
	defer p.cdMu.Unlock()
	out := map[string][]CooldownStatus{}
	now := time.Now()
	for key, cd := range p.cooldowns {
		if now.After(cd.until) {
			continue
		}
		accountID, model := splitCooldownKey(key)
		out[model] = append(out[model], CooldownStatus{AccountID: accountID, Model: model, Until: cd.until, Message: cd.message})
	}
	return out
}

func splitCooldownKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
