package wagergame

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLedger is an in-memory Ledger with the same atomicity contract as the
// real store: Award/Subtract apply to all listed actors or none.
type testLedger struct {
	mtx      sync.Mutex
	balances map[zkidentity.ShortID]int64
	crown    *zkidentity.ShortID

	awardCalls    int
	subtractCalls int
	failNext      error
}

func newTestLedger() *testLedger {
	return &testLedger{balances: make(map[zkidentity.ShortID]int64)}
}

func (l *testLedger) fund(actor zkidentity.ShortID, amount int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.balances[actor] += amount
}

func (l *testLedger) GetBalance(_ context.Context, actor zkidentity.ShortID) (int64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.balances[actor], nil
}

func (l *testLedger) Award(_ context.Context, actors []zkidentity.ShortID, amount int64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	l.awardCalls++
	for _, a := range actors {
		l.balances[a] += amount
	}
	return nil
}

func (l *testLedger) Subtract(_ context.Context, actors []zkidentity.ShortID, amount int64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	for _, a := range actors {
		if l.balances[a] < amount {
			return fmt.Errorf("%s: %w", a, ErrInsufficientFunds)
		}
	}
	l.subtractCalls++
	for _, a := range actors {
		l.balances[a] -= amount
	}
	return nil
}

func (l *testLedger) Leaderboard(_ context.Context, n int) ([]BalanceEntry, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	entries := make([]BalanceEntry, 0, len(l.balances))
	for id, bal := range l.balances {
		entries = append(entries, BalanceEntry{ID: id, Balance: bal})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Balance > entries[j].Balance })
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (l *testLedger) PrivilegedHolder(_ context.Context, role string) (*zkidentity.ShortID, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if role != RoleCrown {
		return nil, nil
	}
	return l.crown, nil
}

func testActor(n byte) zkidentity.ShortID {
	var id zkidentity.ShortID
	id[0] = n
	return id
}

func testHouse() zkidentity.ShortID {
	var id zkidentity.ShortID
	for i := range id {
		id[i] = 0xff
	}
	return id
}

func createTestSession(kind Kind, stake int64, seed uint64) *Session {
	return NewSession(SessionConfig{
		ID:       "test-session-id",
		Kind:     kind,
		Stake:    stake,
		Duration: time.Minute,
		HouseID:  testHouse(),
		Seed:     seed,
	})
}

func TestSession_JoinEscrowsStake(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a := testActor(1)
	ledger.fund(a, 100)

	s := createTestSession(PoolBet, 20, 1)
	require.NoError(t, s.Join(ctx, ledger, nil, a, SideNone))

	bal, _ := ledger.GetBalance(ctx, a)
	assert.Equal(t, int64(80), bal)
	assert.Equal(t, int64(20), s.Pot())
	assert.Len(t, s.Participants(), 1)
}

func TestSession_JoinRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a := testActor(1)
	ledger.fund(a, 100)

	s := createTestSession(PoolBet, 20, 1)
	require.NoError(t, s.Join(ctx, ledger, nil, a, SideNone))
	err := s.Join(ctx, ledger, nil, a, SideNone)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	// The duplicate join must not move funds or grow the pot.
	bal, _ := ledger.GetBalance(ctx, a)
	assert.Equal(t, int64(80), bal)
	assert.Equal(t, int64(20), s.Pot())
	assert.Len(t, s.Participants(), 1)
}

func TestSession_JoinInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a := testActor(1)
	ledger.fund(a, 5)

	s := createTestSession(PoolBet, 20, 1)
	err := s.Join(ctx, ledger, nil, a, SideNone)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(0), s.Pot())
	assert.Empty(t, s.Participants())
}

func TestSession_LockedActorCannotJoin(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	locks := NewLockSet()
	a := testActor(1)
	ledger.fund(a, 100)
	require.NoError(t, locks.Lock([]zkidentity.ShortID{a}))

	s := createTestSession(PoolBet, 20, 1)
	err := s.Join(ctx, ledger, locks, a, SideNone)
	assert.ErrorIs(t, err, ErrNotEligible)

	// Zero ledger mutation for the rejected actor.
	bal, _ := ledger.GetBalance(ctx, a)
	assert.Equal(t, int64(100), bal)
	assert.Equal(t, 0, ledger.subtractCalls)
	assert.Empty(t, s.Participants())
}

func TestSession_PotEqualsSumOfStakes(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	s := createTestSession(BinaryChoice, 10, 1)

	var sum int64
	for i := byte(1); i <= 5; i++ {
		a := testActor(i)
		ledger.fund(a, 50)
		side := SideHeads
		if i%2 == 0 {
			side = SideTails
		}
		require.NoError(t, s.Join(ctx, ledger, nil, a, side))
		sum += 10
		assert.Equal(t, sum, s.Pot())
	}
}

func TestSession_ActRules(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a := testActor(1)
	b := testActor(2)
	ledger.fund(a, 100)

	s := createTestSession(AccumulatingScore, 10, 7)
	require.NoError(t, s.Join(ctx, ledger, nil, a, SideNone))

	// Non-participant may not act.
	_, _, err := s.Act(b, 1)
	assert.ErrorIs(t, err, ErrNotParticipant)

	rolls, total, err := s.Act(a, 2)
	require.NoError(t, err)
	assert.Len(t, rolls, 2)
	assert.Equal(t, rolls[0]+rolls[1], total)
	for _, r := range rolls {
		assert.GreaterOrEqual(t, r, 1)
		assert.LessOrEqual(t, r, 6)
	}

	// A busted participant may not act further.
	s.mtx.Lock()
	s.findParticipant(a).Score = scoreCeiling + 1
	s.mtx.Unlock()
	_, _, err = s.Act(a, 1)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestSession_ActWrongKind(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a := testActor(1)
	ledger.fund(a, 100)

	s := createTestSession(PoolBet, 10, 1)
	require.NoError(t, s.Join(ctx, ledger, nil, a, SideNone))
	_, _, err := s.Act(a, 1)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestSession_RefundAll(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a, b := testActor(1), testActor(2)
	ledger.fund(a, 100)
	ledger.fund(b, 100)

	s := createTestSession(AccumulatingScore, 25, 1)
	require.NoError(t, s.Join(ctx, ledger, nil, a, SideNone))
	require.NoError(t, s.Join(ctx, ledger, nil, b, SideNone))

	require.NoError(t, s.RefundAll(ctx, ledger))
	balA, _ := ledger.GetBalance(ctx, a)
	balB, _ := ledger.GetBalance(ctx, b)
	assert.Equal(t, int64(100), balA)
	assert.Equal(t, int64(100), balB)
	assert.Equal(t, StatusClosed, s.Status())
	assert.Equal(t, int64(0), s.Pot())

	// Joining after the abort is rejected and refunded.
	err := s.Join(ctx, ledger, nil, a, SideNone)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	balA, _ = ledger.GetBalance(ctx, a)
	assert.Equal(t, int64(100), balA)
}

func TestSession_SnapshotDoesNotAliasState(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	a := testActor(1)
	ledger.fund(a, 100)

	s := createTestSession(BinaryChoice, 10, 1)
	require.NoError(t, s.Join(ctx, ledger, nil, a, SideHeads))

	snap := s.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, int64(10), snap.Pot)
	assert.False(t, snap.Closed)
	assert.Greater(t, snap.TimeRemaining, time.Duration(0))

	snap.Participants[0].Score = 99
	assert.Equal(t, 0, s.Participants()[0].Score)
}
