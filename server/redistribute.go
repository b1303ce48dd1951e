package server

import (
	"context"
	"fmt"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/vctt94/wager-bisonrelay/wagergame"
)

// redistribution is a one-shot wealth tax: the top leaderboard holders
// are locked, a fixed amount is taken from each, and the pool is split
// among whoever opts in during the window.
type redistribution struct {
	id  string
	col *wagergame.Collector
}

const redistTargets = 3

func (s *Server) handleRedistribute(ctx context.Context, uid zkidentity.ShortID, args []string) {
	amount, err := parseAmount(args)
	if err != nil {
		s.sendPM(ctx, uid, err.Error())
		return
	}

	s.Lock()
	if s.redist != nil {
		s.Unlock()
		s.sendPM(ctx, uid, "a redistribution is already running, !optin to take part")
		return
	}
	// Reserve the slot before the slow part runs.
	s.redist = &redistribution{}
	s.Unlock()

	s.sessionWG.Add(1)
	go s.runRedistribution(ctx, uid, amount)
}

func (s *Server) handleOptIn(ctx context.Context, uid zkidentity.ShortID) {
	s.RLock()
	r := s.redist
	s.RUnlock()
	if r == nil || r.col == nil {
		s.sendPM(ctx, uid, "no redistribution running")
		return
	}
	if !r.col.Deliver(wagergame.ActionEvent{Actor: uid, Kind: wagergame.ActionOptIn}) {
		s.sendPM(ctx, uid, "the opt-in window just closed")
	}
}

// runRedistribution holds the targets in the global lock set for the whole
// event so none of them can slip into a wager session mid-tax. Every abort
// path inside the locked region puts the escrowed funds back.
func (s *Server) runRedistribution(ctx context.Context, initiator zkidentity.ShortID, amount int64) {
	defer s.sessionWG.Done()
	defer func() {
		s.Lock()
		s.redist = nil
		s.Unlock()
	}()

	entries, err := s.db.Leaderboard(ctx, redistTargets)
	if err != nil {
		s.log.Errorf("redistribution: leaderboard lookup failed: %v", err)
		s.sendPM(ctx, initiator, "redistribution aborted: leaderboard unavailable")
		return
	}
	if len(entries) == 0 {
		s.sendPM(ctx, initiator, "redistribution aborted: nobody holds a balance")
		return
	}
	targets := make([]zkidentity.ShortID, 0, len(entries))
	for _, e := range entries {
		if e.ID == initiator {
			s.sendPM(ctx, initiator, rejectionNotice(wagergame.ErrSelfTargeting))
			return
		}
		targets = append(targets, e.ID)
	}

	err = s.locks.WithLocked(targets, func() error {
		return s.taxAndSplit(ctx, initiator, targets, amount)
	})
	if err != nil {
		s.log.Debugf("redistribution by %s aborted: %v", initiator, err)
		s.sendPM(ctx, initiator, rejectionNotice(err))
	}
}

// taxAndSplit runs with the targets locked. The subtract is all-or-nothing,
// so once it succeeds every later failure refunds the full pool.
func (s *Server) taxAndSplit(ctx context.Context, initiator zkidentity.ShortID, targets []zkidentity.ShortID, amount int64) error {
	if err := s.db.Subtract(ctx, targets, amount); err != nil {
		return err
	}
	pool := amount * int64(len(targets))

	refund := func() {
		if err := s.db.Award(ctx, targets, amount); err != nil {
			s.log.Errorf("redistribution: refund to targets failed: %v", err)
		}
	}

	col := wagergame.NewCollector(wagergame.CollectorConfig{
		SessionID: "redistribution",
		Deadline:  time.Now().Add(s.window),
		Accept: func(ev wagergame.ActionEvent) bool {
			return ev.Kind == wagergame.ActionOptIn
		},
		Log: s.log,
	})
	s.Lock()
	s.redist.col = col
	s.Unlock()

	for _, t := range targets {
		s.sendPM(ctx, t, fmt.Sprintf("a redistribution taxed you %s, it will be returned if too few opt in",
			dcrutil.Amount(amount)))
	}
	s.sendPM(ctx, initiator, fmt.Sprintf("redistribution open: %s pooled, !optin within %s to claim a share",
		dcrutil.Amount(pool), s.window))

	seen := make(map[zkidentity.ShortID]struct{})
	var beneficiaries []zkidentity.ShortID
	err := col.Collect(ctx, func(ev wagergame.ActionEvent) error {
		if _, dup := seen[ev.Actor]; dup {
			return wagergame.ErrAlreadyJoined
		}
		// Locked targets are the ones being taxed, they cannot claim.
		if s.locks.IsLocked(ev.Actor) {
			return wagergame.ErrNotEligible
		}
		seen[ev.Actor] = struct{}{}
		beneficiaries = append(beneficiaries, ev.Actor)
		return nil
	})
	if err != nil {
		refund()
		return err
	}

	if len(beneficiaries) < 2 {
		refund()
		s.notifyRedistribution(ctx, targets, beneficiaries, "redistribution cancelled: not enough opt-ins, taxes returned")
		return wagergame.ErrNoQuorum
	}
	share := pool / int64(len(beneficiaries))
	if share == 0 {
		refund()
		s.notifyRedistribution(ctx, targets, beneficiaries, "redistribution cancelled: pool too small to split, taxes returned")
		return wagergame.ErrNotEligible
	}
	if err := s.db.Award(ctx, beneficiaries, share); err != nil {
		refund()
		return err
	}
	if rem := pool % int64(len(beneficiaries)); rem > 0 {
		if crown, err := s.db.PrivilegedHolder(ctx, wagergame.RoleCrown); err == nil && crown != nil {
			if err := s.db.Award(ctx, []zkidentity.ShortID{*crown}, rem); err != nil {
				s.log.Warnf("redistribution: remainder award failed: %v", err)
			}
		}
	}

	s.notifyRedistribution(ctx, targets, beneficiaries,
		fmt.Sprintf("redistribution settled: %s to each of %d claimants", dcrutil.Amount(share), len(beneficiaries)))
	s.updateCrown(ctx)
	return nil
}

func (s *Server) notifyRedistribution(ctx context.Context, targets, beneficiaries []zkidentity.ShortID, msg string) {
	for _, t := range targets {
		s.sendPM(ctx, t, msg)
	}
	for _, b := range beneficiaries {
		s.sendPM(ctx, b, msg)
	}
}
