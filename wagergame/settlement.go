package wagergame

import (
	"context"
	"fmt"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
)

// Settle computes the outcome and applies the final ledger mutation. It is
// terminal and runs at most once: concurrent and repeated calls all observe
// the result of the single settlement, and the ledger is only mutated by
// that one run.
func (s *Session) Settle(ctx context.Context, ledger Ledger) (*SettlementResult, error) {
	s.settleOnce.Do(func() {
		s.result, s.settleErr = s.settle(ctx, ledger)
	})
	return s.result, s.settleErr
}

func (s *Session) settle(ctx context.Context, ledger Ledger) (*SettlementResult, error) {
	s.mtx.Lock()
	if s.status != StatusOpen {
		s.mtx.Unlock()
		return nil, ErrAlreadyResolved
	}
	s.status = StatusSettling
	s.mtx.Unlock()

	var res *SettlementResult
	var err error
	switch s.Kind {
	case PoolBet:
		res, err = s.settlePool(ctx, ledger)
	case BinaryChoice:
		res, err = s.settleBinary(ctx, ledger)
	case AccumulatingScore:
		res, err = s.settleScore(ctx, ledger)
	default:
		err = fmt.Errorf("unknown session kind %d", s.Kind)
	}

	s.mtx.Lock()
	s.status = StatusClosed
	s.mtx.Unlock()

	if err != nil {
		return nil, err
	}
	s.log.Infof("session %s settled: %s, %d winner(s), prize %d",
		s.ID, res.Outcome, len(res.Winners), res.PrizePerWinner)
	return res, nil
}

// settlePool awards the entire pot to one winner drawn uniformly from the
// participants. No tax, no remainder.
func (s *Session) settlePool(ctx context.Context, ledger Ledger) (*SettlementResult, error) {
	s.mtx.RLock()
	parts := append([]*Participant(nil), s.participants...)
	pot := s.pot
	s.mtx.RUnlock()

	if len(parts) == 0 {
		return &SettlementResult{Outcome: OutcomeNone}, nil
	}
	winner := parts[s.rng.IntN(len(parts))]
	if err := ledger.Award(ctx, []zkidentity.ShortID{winner.ID}, pot); err != nil {
		return nil, fmt.Errorf("award pot: %w", err)
	}
	return &SettlementResult{
		Outcome:        OutcomePotWinner,
		Winners:        []zkidentity.ShortID{winner.ID},
		PrizePerWinner: pot,
	}, nil
}

// settleBinary resolves a two-sided pot. An empty side is covered by the
// house: a house participant joins it and the pot doubles. With SideChance
// percent probability the coin lands on its edge and the full pot goes to a
// random leaderboard entry instead of either side. Payout remainders always
// route to the current crown holder when one exists.
func (s *Session) settleBinary(ctx context.Context, ledger Ledger) (*SettlementResult, error) {
	s.mtx.Lock()
	if len(s.participants) == 0 {
		s.mtx.Unlock()
		return &SettlementResult{Outcome: OutcomeNone}, nil
	}
	var heads, tails int
	for _, p := range s.participants {
		switch p.Side {
		case SideHeads:
			heads++
		case SideTails:
			tails++
		}
	}
	if heads == 0 || tails == 0 {
		empty := SideHeads
		if tails == 0 {
			empty = SideTails
		}
		// House covers the other side by matching the pot.
		s.participants = append(s.participants, &Participant{
			ID:       s.HouseID,
			Stake:    s.pot,
			Side:     empty,
			IsHouse:  true,
			JoinedAt: time.Now(),
		})
		s.pot *= 2
	}
	parts := append([]*Participant(nil), s.participants...)
	pot := s.pot
	s.mtx.Unlock()

	if s.rng.IntN(100) < s.SideChance {
		return s.settleEdge(ctx, ledger, pot)
	}

	winSide := SideHeads
	outcome := OutcomeHeads
	if s.rng.IntN(2) == 1 {
		winSide = SideTails
		outcome = OutcomeTails
	}

	var winners []*Participant
	for _, p := range parts {
		if p.Side == winSide {
			winners = append(winners, p)
		}
	}
	prize := pot / int64(len(winners))
	res := &SettlementResult{
		Outcome:        outcome,
		PrizePerWinner: prize,
		Remainder:      pot % int64(len(winners)),
	}

	// Bonus multiplier rolled against the participant count.
	if s.rng.IntN(100) < len(parts) {
		res.MultiplierApplied = true
		res.Multiplier = 0.20 + s.rng.Float64()*1.80
		res.PrizePerWinner = prize + int64(float64(prize)*res.Multiplier)
	}

	winnerIDs := make([]zkidentity.ShortID, len(winners))
	for i, p := range winners {
		winnerIDs[i] = p.ID
	}
	res.Winners = winnerIDs

	if winners[0].IsHouse {
		// House wins stay with the house.
		res.HouseWon = true
	} else if err := ledger.Award(ctx, winnerIDs, res.PrizePerWinner); err != nil {
		return nil, fmt.Errorf("award side prize: %w", err)
	}

	if res.Remainder > 0 {
		holder, err := ledger.PrivilegedHolder(ctx, RoleCrown)
		if err != nil {
			return nil, fmt.Errorf("resolve crown holder: %w", err)
		}
		if holder != nil {
			if err := ledger.Award(ctx, []zkidentity.ShortID{*holder}, res.Remainder); err != nil {
				return nil, fmt.Errorf("route remainder: %w", err)
			}
			res.TaxRecipient = holder
		}
	}
	return res, nil
}

// settleEdge pays the full pot to one uniformly drawn leaderboard entry,
// not necessarily a participant. With an empty leaderboard there are no
// winners.
func (s *Session) settleEdge(ctx context.Context, ledger Ledger, pot int64) (*SettlementResult, error) {
	res := &SettlementResult{Outcome: OutcomeEdge}
	entries, err := ledger.Leaderboard(ctx, leaderboardSize)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}
	winner := entries[s.rng.IntN(len(entries))].ID
	if err := ledger.Award(ctx, []zkidentity.ShortID{winner}, pot); err != nil {
		return nil, fmt.Errorf("award edge prize: %w", err)
	}
	res.Winners = []zkidentity.ShortID{winner}
	res.PrizePerWinner = pot
	return res, nil
}

// settleScore plays out the house hand, then splits the pot among every
// participant whose score is at or below the ceiling and equal to the
// maximum such score. A score of zero never wins; if nobody scored, all
// stakes are refunded. The remainder of an uneven split stays in the pot
// sink rather than routing to the crown holder.
func (s *Session) settleScore(ctx context.Context, ledger Ledger) (*SettlementResult, error) {
	s.mtx.Lock()
	acted := false
	for _, p := range s.participants {
		if !p.IsHouse && p.Score > 0 {
			acted = true
			break
		}
	}
	if !acted {
		// Nobody played a hand; there is nothing for the house to beat.
		parts := append([]*Participant(nil), s.participants...)
		s.pot = 0
		s.mtx.Unlock()
		for _, p := range parts {
			if p.IsHouse {
				continue
			}
			if err := ledger.Award(ctx, []zkidentity.ShortID{p.ID}, p.Stake); err != nil {
				return nil, fmt.Errorf("refund unplayed stake: %w", err)
			}
		}
		return &SettlementResult{Outcome: OutcomeNone}, nil
	}

	s.playHouseHand()

	best := 0
	for _, p := range s.participants {
		if p.Score <= scoreCeiling && p.Score > best {
			best = p.Score
		}
	}
	if best == 0 {
		// Everyone busted, the house included. The pot sinks.
		s.mtx.Unlock()
		return &SettlementResult{Outcome: OutcomeNone}, nil
	}
	var winners []*Participant
	for _, p := range s.participants {
		if p.Score == best {
			winners = append(winners, p)
		}
	}
	pot := s.pot
	s.mtx.Unlock()

	prize := pot / int64(len(winners))
	res := &SettlementResult{
		Outcome:        OutcomeHighScore,
		PrizePerWinner: prize,
		Remainder:      pot % int64(len(winners)),
	}
	var payable []zkidentity.ShortID
	for _, p := range winners {
		res.Winners = append(res.Winners, p.ID)
		if p.IsHouse {
			res.HouseWon = true
			continue
		}
		payable = append(payable, p.ID)
	}
	if len(payable) > 0 {
		if err := ledger.Award(ctx, payable, prize); err != nil {
			return nil, fmt.Errorf("award score prize: %w", err)
		}
	}
	return res, nil
}

// playHouseHand draws for the house with a fixed heuristic. Must be called
// with the mutex held.
func (s *Session) playHouseHand() {
	var house *Participant
	for _, p := range s.participants {
		if p.IsHouse {
			house = p
			break
		}
	}
	if house == nil {
		return
	}
	for {
		draw := false
		switch {
		case house.Score < houseDrawBelow:
			draw = true
		case house.Score < houseStandAt:
			draw = s.rng.IntN(2) == 0
		}
		if !draw {
			return
		}
		house.Score += s.rng.IntN(6) + 1
	}
}
