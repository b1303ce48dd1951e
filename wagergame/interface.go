package wagergame

import (
	"context"
	"errors"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyJoined     = errors.New("already joined this session")
	ErrSelfTargeting     = errors.New("cannot target yourself")
	ErrNotEligible       = errors.New("not eligible")
	ErrNoQuorum          = errors.New("not enough participants")
	ErrAlreadyResolved   = errors.New("session already resolved")
	ErrNotParticipant    = errors.New("not a participant of this session")
	ErrAlreadyOpen       = errors.New("session already open")
	ErrNotOpen           = errors.New("session not open")
	ErrPartiallyLocked   = errors.New("actor already locked")
)

// Kind selects the payout rule for a session. All kinds share the same
// life cycle: escrow stakes during an open window, settle at the deadline.
type Kind int32

const (
	// PoolBet is a single pot with one uniformly drawn winner.
	PoolBet Kind = iota
	// BinaryChoice is a two-sided pot with side-based payout.
	BinaryChoice
	// AccumulatingScore is a push-your-luck score race against the house.
	AccumulatingScore
)

func (k Kind) String() string {
	switch k {
	case PoolBet:
		return "pool"
	case BinaryChoice:
		return "flip"
	case AccumulatingScore:
		return "dice"
	}
	return "unknown"
}

// Side is the coin face a BinaryChoice participant commits to at join time.
type Side int32

const (
	SideNone Side = iota
	SideHeads
	SideTails
)

func (s Side) String() string {
	switch s {
	case SideHeads:
		return "heads"
	case SideTails:
		return "tails"
	}
	return "none"
}

// other returns the opposite side.
func (s Side) other() Side {
	if s == SideHeads {
		return SideTails
	}
	return SideHeads
}

// Status only advances Open -> Settling -> Closed.
type Status int32

const (
	StatusOpen Status = iota
	StatusSettling
	StatusClosed
)

const (
	// scoreCeiling is the bust threshold for AccumulatingScore sessions.
	scoreCeiling = 21

	// House draw heuristic for AccumulatingScore: always draw below 17,
	// draw with even odds below 19, stand at 19 or above.
	houseDrawBelow = 17
	houseStandAt   = 19

	// leaderboardSize bounds the candidate pool for the rare edge payout.
	leaderboardSize = 10
)

// RoleCrown is the privileged role whose holder collects payout remainders.
const RoleCrown = "crown"

// Participant is one actor's state inside a session. Stake is the escrowed
// amount in atoms; it is what RefundAll returns on abort paths.
type Participant struct {
	ID       zkidentity.ShortID
	Stake    int64
	Side     Side
	Score    int
	IsHouse  bool
	JoinedAt time.Time
}

// BalanceEntry is one row of the ledger leaderboard.
type BalanceEntry struct {
	ID      zkidentity.ShortID
	Balance int64
}

// Ledger is the balance store the engine settles against. Every method is
// internally atomic; Award and Subtract apply the amount to every listed
// actor as a single all-or-nothing operation, and Subtract fails with
// ErrInsufficientFunds instead of underflowing any balance.
type Ledger interface {
	GetBalance(ctx context.Context, actor zkidentity.ShortID) (int64, error)
	Award(ctx context.Context, actors []zkidentity.ShortID, amount int64) error
	Subtract(ctx context.Context, actors []zkidentity.ShortID, amount int64) error
	Leaderboard(ctx context.Context, n int) ([]BalanceEntry, error)
	PrivilegedHolder(ctx context.Context, role string) (*zkidentity.ShortID, error)
}

// Outcome tags how a session resolved.
type Outcome int32

const (
	// OutcomeNone means nobody won; stakes were refunded or the pot was empty.
	OutcomeNone Outcome = iota
	// OutcomePotWinner is the PoolBet resolution.
	OutcomePotWinner
	OutcomeHeads
	OutcomeTails
	// OutcomeEdge is the rare BinaryChoice resolution paying a random
	// leaderboard entry instead of a side.
	OutcomeEdge
	// OutcomeHighScore is the AccumulatingScore resolution.
	OutcomeHighScore
)

func (o Outcome) String() string {
	switch o {
	case OutcomePotWinner:
		return "pot winner"
	case OutcomeHeads:
		return "heads"
	case OutcomeTails:
		return "tails"
	case OutcomeEdge:
		return "edge"
	case OutcomeHighScore:
		return "high score"
	}
	return "no winner"
}

// SettlementResult is the terminal record of a session. Settle caches it so
// a second call observes the identical result without a second ledger
// mutation.
type SettlementResult struct {
	Outcome           Outcome
	Winners           []zkidentity.ShortID
	PrizePerWinner    int64
	Remainder         int64
	MultiplierApplied bool
	Multiplier        float64
	TaxRecipient      *zkidentity.ShortID
	HouseWon          bool
}

// ParticipantView is the read-only presentation of one participant.
type ParticipantView struct {
	ID      zkidentity.ShortID
	Stake   int64
	Side    Side
	Score   int
	IsHouse bool
}

// Snapshot is the read-only view exposed to the presentation layer after
// every mutation. It never aliases live session state.
type Snapshot struct {
	ID            string
	Kind          Kind
	Pot           int64
	Participants  []ParticipantView
	TimeRemaining time.Duration
	Closed        bool
}
