package retryengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/pkg/aperrors"
)

type fakeAccount struct{ id string }

func (f fakeAccount) AccountID() string { return f.id }

type fakePool struct {
	mu         sync.Mutex
	accounts   []string
	cursor     int
	locked     map[string]bool
	cooldowns  map[string]bool
	errored    map[string]bool
	successes  []string
	caplimited []string
}

func newFakePool(ids ...string) *fakePool {
	p := &fakePool{
		locked:    map[string]bool{},
		cooldowns: map[string]bool{},
		errored:   map[string]bool{},
	}
	p.accounts = ids
	return p
}

func (p *fakePool) GetNextAccount(model string) (AccountHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.accounts)
	pick := func(allowCooldown bool) (string, bool) {
		for i := 0; i < n; i++ {
			id := p.accounts[(p.cursor+i)%n]
			if p.locked[id] || p.errored[id] {
				continue
			}
			if !allowCooldown && p.cooldowns[id] {
				continue
			}
			p.cursor = (p.cursor + i + 1) % n
			return id, true
		}
		return "", false
	}
	if id, ok := pick(false); ok {
		p.locked[id] = true
		return fakeAccount{id: id}, true
	}
	if id, ok := pick(true); ok {
		p.locked[id] = true
		return fakeAccount{id: id}, true
	}
	return nil, false
}

func (p *fakePool) UnlockAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked[id] = false
}

func (p *fakePool) MarkAccountSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes = append(p.successes, id)
	p.errored[id] = false
}

func (p *fakePool) MarkAccountError(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errored[id] = true
}

func (p *fakePool) MarkCapacityLimited(id, model, message string, resetAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[id] = true
	p.caplimited = append(p.caplimited, id)
}

func (p *fakePool) MarkCapacityRecovered(id, model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[id] = false
}

func (p *fakePool) GetAvailableAccountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.accounts {
		if !p.errored[id] {
			n++
		}
	}
	return n
}

func capacityErr(msg string) error {
	return &aperrors.AccountError{Kind: aperrors.KindCapacity, Message: msg}
}

func clientErr(msg string) error {
	return &aperrors.AccountError{Kind: aperrors.KindClient, Message: msg}
}

func TestRunCapacitySucceedsFirstTry(t *testing.T) {
	pool := newFakePool("a1", "a2")
	calls := 0
	res, err := RunCapacity(context.Background(), pool, "m", Config{BaseDelay: time.Millisecond}, func(ctx context.Context, acct AccountHandle) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	assert.Equal(t, 1, calls)
}

func TestRunCapacityRotatesOnCapacityError(t *testing.T) {
	pool := newFakePool("a1", "a2")
	var seen []string
	res, err := RunCapacity(context.Background(), pool, "m", Config{BaseDelay: time.Millisecond}, func(ctx context.Context, acct AccountHandle) error {
		seen = append(seen, acct.AccountID())
		if acct.AccountID() == "a1" {
			return capacityErr("exhausted your capacity on this model")
		}
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	assert.Equal(t, []string{"a1", "a2"}, seen)
	assert.Contains(t, pool.caplimited, "a1")
}

func TestRunCapacityPropagatesNonCapacityErrorImmediately(t *testing.T) {
	pool := newFakePool("a1", "a2")
	calls := 0
	_, err := RunCapacity(context.Background(), pool, "m", Config{BaseDelay: time.Millisecond}, func(ctx context.Context, acct AccountHandle) error {
		calls++
		return clientErr("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunCapacityAbortsOnContextCancel(t *testing.T) {
	pool := newFakePool("a1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := RunCapacity(ctx, pool, "m", Config{}, func(ctx context.Context, acct AccountHandle) error {
		t.Fatal("attempt should not run after cancellation")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
}

func TestRunFullSucceedsAfterRotation(t *testing.T) {
	pool := newFakePool("a1", "a2")
	attempts := map[string]int{}
	_, err := RunFull(context.Background(), pool, "m", Config{SameAccountRetries: 2, AccountSwitchDelay: time.Millisecond}, func(ctx context.Context, acct AccountHandle) error {
		attempts[acct.AccountID()]++
		if acct.AccountID() == "a1" {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts["a1"])
	assert.Equal(t, 1, attempts["a2"])
}

func TestRunFullCanRetryShortCircuits(t *testing.T) {
	pool := newFakePool("a1", "a2")
	calls := 0
	cfg := Config{
		SameAccountRetries: 1,
		CanRetry:           func(err error) bool { return false },
	}
	_, err := RunFull(context.Background(), pool, "m", cfg, func(ctx context.Context, acct AccountHandle) error {
		calls++
		return errors.New("client error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunFullAbortsOnContextCancelMidLoop(t *testing.T) {
	pool := newFakePool("a1", "a2")
	ctx, cancel := context.WithCancel(context.Background())
	first := true
	res, err := RunFull(ctx, pool, "m", Config{SameAccountRetries: 1, AccountSwitchDelay: 50 * time.Millisecond}, func(c context.Context, acct AccountHandle) error {
		if first {
			first = false
			cancel()
			return errors.New("fail then cancel")
		}
		t.Fatal("should not reach second account after cancel")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
}
