package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/pkg/store"
)

func twoAccounts() []*store.Account {
	return []*store.Account{
		{ID: "a1", Status: store.AccountStatusActive},
		{ID: "a2", Status: store.AccountStatusActive},
	}
}

func TestGetNextAccountRoundRobins(t *testing.T) {
	p := New(twoAccounts(), 0)

	first, ok := p.GetNextAccount("gemini-2.5-pro")
	require.True(t, ok)
	p.UnlockAccount(first.ID)

	second, ok := p.GetNextAccount("gemini-2.5-pro")
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetNextAccountSkipsLocked(t *testing.T) {
	p := New(twoAccounts(), 0)

	a, ok := p.GetNextAccount("m")
	require.True(t, ok)
	b, ok := p.GetNextAccount("m")
	require.True(t, ok)
	assert.NotEqual(t, a.ID, b.ID)

	_, ok = p.GetNextAccount("m")
	assert.False(t, ok, "both accounts are locked, none left to hand out")

	p.UnlockAccount(a.ID)
	p.UnlockAccount(b.ID)
}

func TestGetNextAccountPrefersNonCoolingOverCooling(t *testing.T) {
	p := New(twoAccounts(), 0)
	p.MarkCapacityLimited("a1", "m", "exhausted", time.Minute)

	acct, ok := p.GetNextAccount("m")
	require.True(t, ok)
	assert.Equal(t, "a2", acct.ID)
}

func TestGetNextAccountFallsBackToSoonestCooling(t *testing.T) {
	p := New(twoAccounts(), 0)
	p.MarkCapacityLimited("a1", "m", "exhausted", 5*time.Second)
	p.MarkCapacityLimited("a2", "m", "exhausted", time.Minute)

	acct, ok := p.GetNextAccount("m")
	require.True(t, ok)
	assert.Equal(t, "a1", acct.ID)
}

func TestMarkCapacityRecoveredClearsCooldown(t *testing.T) {
	p := New(twoAccounts(), 0)
	p.MarkCapacityLimited("a1", "m", "exhausted", time.Minute)
	p.MarkCapacityRecovered("a1", "m")

	until, cooling := p.cooldownUntil("a1", "m")
	assert.False(t, cooling)
	assert.Zero(t, until)
}

func TestMarkAccountErrorExcludesFromAvailableCount(t *testing.T) {
	p := New(twoAccounts(), 0)
	assert.Equal(t, 2, p.GetAvailableAccountCount())

	acct, ok := p.GetNextAccount("m")
	require.True(t, ok)
	p.MarkAccountError(acct.ID, assertErr{})

	assert.Equal(t, 1, p.GetAvailableAccountCount())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestAcquireModelSlotDisabledWhenCapZero(t *testing.T) {
	p := New(nil, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, p.AcquireModelSlot("m"))
	}
}

func TestAcquireModelSlotGatesAtCapacity(t *testing.T) {
	p := New(nil, 2)
	assert.True(t, p.AcquireModelSlot("m"))
	assert.True(t, p.AcquireModelSlot("m"))
	assert.False(t, p.AcquireModelSlot("m"))

	p.ReleaseModelSlot("m")
	assert.True(t, p.AcquireModelSlot("m"))
}

func TestSnapshotSortedByID(t *testing.T) {
	p := New([]*store.Account{{ID: "b"}, {ID: "a"}}, 0)
	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
}

func TestModelCooldownsOmitsExpired(t *testing.T) {
	p := New(twoAccounts(), 0)
	p.cooldowns[cooldownKey("a1", "m")] = cooldown{until: time.Now().Add(-time.Second), message: "expired"}
	p.MarkCapacityLimited("a2", "m", "exhausted", time.Minute)

	cds := p.ModelCooldowns()
	require.Len(t, cds["m"], 1)
	assert.Equal(t, "a2", cds["m"][0].AccountID)
}
