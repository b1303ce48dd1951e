package wagergame

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
)

// SessionConfig carries everything needed to create one session. Seed feeds
// the per-session random source so settlement is reproducible under a fixed
// seed.
type SessionConfig struct {
	ID         string
	Kind       Kind
	Stake      int64
	SideChance int
	Duration   time.Duration
	HouseID    zkidentity.ShortID
	Seed       uint64
	Log        slog.Logger
}

// Session is the state machine for one running activity. All mutation
// happens from the single goroutine driving its collector; the mutex exists
// so other goroutines can take consistent snapshots. The mutex is never
// held across a ledger call.
type Session struct {
	mtx sync.RWMutex

	ID         string
	Kind       Kind
	Stake      int64
	SideChance int
	HouseID    zkidentity.ShortID
	Deadline   time.Time

	rng *rand.Rand
	log slog.Logger

	participants []*Participant
	pot          int64
	status       Status

	settleOnce sync.Once
	result     *SettlementResult
	settleErr  error
}

// NewSession creates a session with its own seeded random source. For
// AccumulatingScore the house joins immediately with double the fixed stake
// paid into the pot from house funds (no ledger subtraction).
func NewSession(cfg SessionConfig) *Session {
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	s := &Session{
		ID:         cfg.ID,
		Kind:       cfg.Kind,
		Stake:      cfg.Stake,
		SideChance: cfg.SideChance,
		HouseID:    cfg.HouseID,
		Deadline:   time.Now().Add(cfg.Duration),
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		log:        cfg.Log,
	}
	if cfg.Kind == AccumulatingScore {
		house := &Participant{
			ID:       cfg.HouseID,
			Stake:    2 * cfg.Stake,
			IsHouse:  true,
			JoinedAt: time.Now(),
		}
		s.participants = append(s.participants, house)
		s.pot += house.Stake
	}
	return s
}

// Join escrows the actor's stake and appends them to the participant list.
// The subtraction happens before the participant becomes visible, so every
// observed pot equals the sum of contributed stakes. Locked actors are
// rejected before any ledger mutation.
func (s *Session) Join(ctx context.Context, ledger Ledger, locks *LockSet, actor zkidentity.ShortID, side Side) error {
	s.mtx.RLock()
	open := s.status == StatusOpen
	dup := s.findParticipant(actor) != nil
	s.mtx.RUnlock()

	if !open {
		return ErrAlreadyResolved
	}
	if dup {
		return ErrAlreadyJoined
	}
	if locks != nil && locks.IsLocked(actor) {
		return ErrNotEligible
	}
	if s.Kind == BinaryChoice && side == SideNone {
		return fmt.Errorf("%w: pick heads or tails", ErrNotEligible)
	}

	if err := ledger.Subtract(ctx, []zkidentity.ShortID{actor}, s.Stake); err != nil {
		return fmt.Errorf("escrow stake: %w", err)
	}

	s.mtx.Lock()
	if s.status != StatusOpen || s.findParticipant(actor) != nil {
		closed := s.status != StatusOpen
		s.mtx.Unlock()
		// The stake was escrowed but the join can no longer apply; return it.
		if rerr := ledger.Award(ctx, []zkidentity.ShortID{actor}, s.Stake); rerr != nil {
			s.log.Errorf("session %s: failed to refund void join by %s: %v", s.ID, actor, rerr)
		}
		if closed {
			return ErrAlreadyResolved
		}
		return ErrAlreadyJoined
	}
	s.participants = append(s.participants, &Participant{
		ID:       actor,
		Stake:    s.Stake,
		Side:     side,
		JoinedAt: time.Now(),
	})
	s.pot += s.Stake
	s.mtx.Unlock()
	return nil
}

// Act applies a kind-specific mutation for an existing participant. For
// AccumulatingScore it adds one or two independently rolled 1..6 increments
// to the caller's score and returns the rolls plus the new total. A
// participant whose score already exceeds the ceiling may not act further.
func (s *Session) Act(actor zkidentity.ShortID, dice int) (rolls []int, total int, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != StatusOpen {
		return nil, 0, ErrAlreadyResolved
	}
	if s.Kind != AccumulatingScore {
		return nil, 0, fmt.Errorf("%w: %s sessions take no further actions", ErrNotEligible, s.Kind)
	}
	p := s.findParticipant(actor)
	if p == nil {
		return nil, 0, ErrNotParticipant
	}
	if p.Score > scoreCeiling {
		return nil, 0, fmt.Errorf("%w: busted at %d", ErrNotEligible, p.Score)
	}

	if dice < 1 {
		dice = 1
	} else if dice > 2 {
		dice = 2
	}
	rolls = make([]int, dice)
	for i := range rolls {
		rolls[i] = s.rng.IntN(6) + 1
		p.Score += rolls[i]
	}
	return rolls, p.Score, nil
}

// Tick is a hook for time-based state. No current kind uses it.
func (s *Session) Tick(now time.Time) {}

// Snapshot returns a read-only copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	views := make([]ParticipantView, len(s.participants))
	for i, p := range s.participants {
		views[i] = ParticipantView{
			ID:      p.ID,
			Stake:   p.Stake,
			Side:    p.Side,
			Score:   p.Score,
			IsHouse: p.IsHouse,
		}
	}
	remaining := time.Until(s.Deadline)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		ID:            s.ID,
		Kind:          s.Kind,
		Pot:           s.pot,
		Participants:  views,
		TimeRemaining: remaining,
		Closed:        s.status != StatusOpen,
	}
}

// Pot returns the current pot.
func (s *Session) Pot() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.pot
}

// Status returns the current life cycle status.
func (s *Session) Status() Status {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.status
}

// Participants returns a copy of the participant list in join order.
func (s *Session) Participants() []Participant {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]Participant, len(s.participants))
	for i, p := range s.participants {
		out[i] = *p
	}
	return out
}

// RefundAll closes the session and returns every escrowed stake. It is the
// abort path: safe to call whether or not participants joined, and a no-op
// after settlement already ran. House stakes are not refunded, house funds
// never left the ledger.
func (s *Session) RefundAll(ctx context.Context, ledger Ledger) error {
	s.mtx.Lock()
	if s.status != StatusOpen {
		s.mtx.Unlock()
		return nil
	}
	s.status = StatusClosed
	parts := append([]*Participant(nil), s.participants...)
	s.pot = 0
	s.mtx.Unlock()

	var firstErr error
	for _, p := range parts {
		if p.IsHouse {
			continue
		}
		if err := ledger.Award(ctx, []zkidentity.ShortID{p.ID}, p.Stake); err != nil {
			s.log.Errorf("session %s: refund of %d to %s failed: %v", s.ID, p.Stake, p.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// findParticipant must be called with the mutex held.
func (s *Session) findParticipant(actor zkidentity.ShortID) *Participant {
	for _, p := range s.participants {
		if p.ID == actor {
			return p
		}
	}
	return nil
}
