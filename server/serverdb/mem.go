package serverdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/wager-bisonrelay/wagergame"
)

// MemLedger keeps balances in memory. It backs free-to-play mode, where
// credits carry no value and need not survive restarts, and the tests.
type MemLedger struct {
	mtx      sync.RWMutex
	balances map[zkidentity.ShortID]int64
	roles    map[string]zkidentity.ShortID
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances: make(map[zkidentity.ShortID]int64),
		roles:    make(map[string]zkidentity.ShortID),
	}
}

func (l *MemLedger) Close() error { return nil }

func (l *MemLedger) GetBalance(_ context.Context, actor zkidentity.ShortID) (int64, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.balances[actor], nil
}

func (l *MemLedger) Award(_ context.Context, actors []zkidentity.ShortID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("award amount must not be negative: %d", amount)
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, a := range actors {
		l.balances[a] += amount
	}
	return nil
}

func (l *MemLedger) Subtract(_ context.Context, actors []zkidentity.ShortID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("subtract amount must not be negative: %d", amount)
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, a := range actors {
		if l.balances[a] < amount {
			return fmt.Errorf("%s: %w", a, wagergame.ErrInsufficientFunds)
		}
	}
	for _, a := range actors {
		l.balances[a] -= amount
	}
	return nil
}

func (l *MemLedger) Transfer(_ context.Context, from, to zkidentity.ShortID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount must not be negative: %d", amount)
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("%s: %w", from, wagergame.ErrInsufficientFunds)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *MemLedger) Leaderboard(_ context.Context, n int) ([]wagergame.BalanceEntry, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	entries := make([]wagergame.BalanceEntry, 0, len(l.balances))
	for id, bal := range l.balances {
		if bal > 0 {
			entries = append(entries, wagergame.BalanceEntry{ID: id, Balance: bal})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Balance > entries[j].Balance })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (l *MemLedger) PrivilegedHolder(_ context.Context, role string) (*zkidentity.ShortID, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if id, ok := l.roles[role]; ok {
		idCopy := id
		return &idCopy, nil
	}
	return nil, nil
}

func (l *MemLedger) SetPrivilegedHolder(_ context.Context, role string, actor zkidentity.ShortID) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.roles[role] = actor
	return nil
}
