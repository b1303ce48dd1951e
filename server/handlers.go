package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/vctt94/wager-bisonrelay/wagergame"
)

const helpText = `commands:
!balance                  show your balance
!leaderboard              top balances
!status                   open session state
!pool <amount>            start or join a pot lottery
!flip heads|tails <amount>  start or join a coin flip
!dice <amount>            start or join a dice race to 21
!hit [1|2]                roll dice in an open dice session
!redistribute <amount>    tax the richest, split among opt-ins
!optin                    opt into a running redistribution
!gift <nick> <amount>     send balance to another player
!withdraw <amount>        pay out to your wallet
tips sent to this bot are credited to your balance`

// HandlePM dispatches one received private message. Commands either act
// immediately or route an action event into an open session's collector.
func (s *Server) HandlePM(ctx context.Context, pm *types.ReceivedPM) {
	if pm == nil || pm.Msg == nil {
		return
	}
	var uid zkidentity.ShortID
	if len(pm.Uid) != len(uid) {
		s.log.Warnf("received PM with malformed uid of length %d", len(pm.Uid))
		return
	}
	copy(uid[:], pm.Uid)

	s.Lock()
	s.nicks[uid] = pm.Nick
	s.Unlock()

	msg := strings.TrimSpace(pm.Msg.Message)
	if !strings.HasPrefix(msg, "!") {
		return
	}
	fields := strings.Fields(msg)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	s.log.Debugf("command %s from %s", cmd, pm.Nick)

	switch cmd {
	case "!help", "!commands":
		s.sendPM(ctx, uid, helpText)
	case "!balance":
		s.handleBalance(ctx, uid)
	case "!leaderboard":
		s.handleLeaderboard(ctx, uid)
	case "!status":
		s.handleStatus(ctx, uid)
	case "!pool":
		s.handleStartOrJoin(ctx, uid, wagergame.PoolBet, args, wagergame.SideNone)
	case "!flip":
		side, rest, err := parseSide(args)
		if err != nil {
			s.sendPM(ctx, uid, err.Error())
			return
		}
		s.handleStartOrJoin(ctx, uid, wagergame.BinaryChoice, rest, side)
	case "!dice":
		s.handleStartOrJoin(ctx, uid, wagergame.AccumulatingScore, args, wagergame.SideNone)
	case "!hit":
		s.handleHit(ctx, uid, args)
	case "!redistribute":
		s.handleRedistribute(ctx, uid, args)
	case "!optin":
		s.handleOptIn(ctx, uid)
	case "!gift":
		s.handleGift(ctx, uid, args)
	case "!withdraw":
		s.handleWithdraw(ctx, uid, args)
	default:
		s.sendPM(ctx, uid, "unknown command, try !help")
	}
}

// HandleTip credits a received tip to the sender's balance. The tip is
// only acked once the ledger recorded it, so a failed credit is
// redelivered rather than lost.
func (s *Server) HandleTip(ctx context.Context, tip *types.ReceivedTip) {
	var uid zkidentity.ShortID
	if len(tip.Uid) != len(uid) {
		s.log.Warnf("received tip with malformed uid of length %d", len(tip.Uid))
		return
	}
	copy(uid[:], tip.Uid)

	atoms := tip.AmountMatoms / 1000
	if atoms <= 0 {
		return
	}
	if err := s.db.Award(ctx, []zkidentity.ShortID{uid}, atoms); err != nil {
		s.log.Errorf("failed to credit tip from %s: %v", uid, err)
		return
	}
	if err := s.bot.AckTipReceived(ctx, tip.SequenceId); err != nil {
		s.log.Warnf("failed to ack tip %d: %v", tip.SequenceId, err)
	}

	bal, err := s.db.GetBalance(ctx, uid)
	if err != nil {
		return
	}
	s.sendPM(ctx, uid, fmt.Sprintf("deposited %s, balance is now %s",
		dcrutil.Amount(atoms), dcrutil.Amount(bal)))
	s.updateCrown(ctx)
}

func (s *Server) handleBalance(ctx context.Context, uid zkidentity.ShortID) {
	bal, err := s.db.GetBalance(ctx, uid)
	if err != nil {
		s.log.Errorf("balance lookup for %s failed: %v", uid, err)
		s.sendPM(ctx, uid, "balance unavailable, try again later")
		return
	}
	s.sendPM(ctx, uid, fmt.Sprintf("balance: %s", dcrutil.Amount(bal)))
}

func (s *Server) handleLeaderboard(ctx context.Context, uid zkidentity.ShortID) {
	entries, err := s.db.Leaderboard(ctx, 10)
	if err != nil {
		s.log.Errorf("leaderboard lookup failed: %v", err)
		s.sendPM(ctx, uid, "leaderboard unavailable, try again later")
		return
	}
	if len(entries) == 0 {
		s.sendPM(ctx, uid, "nobody holds a balance yet")
		return
	}
	var b strings.Builder
	b.WriteString("leaderboard:\n")
	for i, e := range entries {
		s.RLock()
		nick, ok := s.nicks[e.ID]
		s.RUnlock()
		if !ok {
			nick = e.ID.String()
		}
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, nick, dcrutil.Amount(e.Balance))
	}
	s.sendPM(ctx, uid, b.String())
}

func (s *Server) handleStatus(ctx context.Context, uid zkidentity.ShortID) {
	sessions := s.registry.Snapshot()
	if len(sessions) == 0 {
		s.sendPM(ctx, uid, "no open sessions")
		return
	}
	var b strings.Builder
	for _, sess := range sessions {
		snap := sess.Snapshot()
		fmt.Fprintf(&b, "%s: pot %s, %d player(s), %s left\n",
			snap.Kind, dcrutil.Amount(snap.Pot), len(snap.Participants),
			snap.TimeRemaining.Round(time.Second))
	}
	s.sendPM(ctx, uid, b.String())
}

// handleStartOrJoin starts a new session of the kind, or routes a join
// into the one already open.
func (s *Server) handleStartOrJoin(ctx context.Context, uid zkidentity.ShortID, kind wagergame.Kind, args []string, side wagergame.Side) {
	if sess := s.registry.ByKind(kind); sess != nil {
		s.RLock()
		col := s.collectors[sess.ID]
		s.RUnlock()
		if col == nil || !col.Deliver(wagergame.ActionEvent{Actor: uid, Kind: wagergame.ActionJoin, Side: side}) {
			s.sendPM(ctx, uid, fmt.Sprintf("the %s window just closed, start a new one", kind))
		}
		return
	}

	stake, err := parseAmount(args)
	if err != nil {
		s.sendPM(ctx, uid, err.Error())
		return
	}
	s.startSession(ctx, uid, kind, stake, side)
}

func (s *Server) handleHit(ctx context.Context, uid zkidentity.ShortID, args []string) {
	sess := s.registry.ByKind(wagergame.AccumulatingScore)
	if sess == nil {
		s.sendPM(ctx, uid, "no dice session open, start one with !dice <amount>")
		return
	}
	dice := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 2 {
			s.sendPM(ctx, uid, "usage: !hit [1|2]")
			return
		}
		dice = n
	}
	s.RLock()
	col := s.collectors[sess.ID]
	s.RUnlock()
	if col == nil || !col.Deliver(wagergame.ActionEvent{Actor: uid, Kind: wagergame.ActionHit, Dice: dice}) {
		s.sendPM(ctx, uid, "the dice window just closed")
	}
}

// handleGift moves balance between two players. Only actors the bot has
// seen a message from can be addressed by nick.
func (s *Server) handleGift(ctx context.Context, uid zkidentity.ShortID, args []string) {
	if len(args) < 2 {
		s.sendPM(ctx, uid, "usage: !gift <nick> <amount>")
		return
	}
	atoms, err := parseAmount(args[1:])
	if err != nil {
		s.sendPM(ctx, uid, err.Error())
		return
	}
	target, ok := s.lookupNick(args[0])
	if !ok {
		s.sendPM(ctx, uid, fmt.Sprintf("unknown player %q", args[0]))
		return
	}
	if target == uid {
		s.sendPM(ctx, uid, rejectionNotice(wagergame.ErrSelfTargeting))
		return
	}
	if err := s.db.Transfer(ctx, uid, target, atoms); err != nil {
		s.sendPM(ctx, uid, rejectionNotice(err))
		return
	}
	s.sendPM(ctx, uid, fmt.Sprintf("sent %s to %s", dcrutil.Amount(atoms), args[0]))
	s.sendPM(ctx, target, fmt.Sprintf("received a gift of %s", dcrutil.Amount(atoms)))
	s.updateCrown(ctx)
}

func (s *Server) lookupNick(nick string) (zkidentity.ShortID, bool) {
	s.RLock()
	defer s.RUnlock()
	for id, n := range s.nicks {
		if strings.EqualFold(n, nick) {
			return id, true
		}
	}
	return zkidentity.ShortID{}, false
}

func (s *Server) handleWithdraw(ctx context.Context, uid zkidentity.ShortID, args []string) {
	if s.isF2P {
		s.sendPM(ctx, uid, "free-to-play credits cannot be withdrawn")
		return
	}
	atoms, err := parseAmount(args)
	if err != nil {
		s.sendPM(ctx, uid, err.Error())
		return
	}
	if err := s.db.Subtract(ctx, []zkidentity.ShortID{uid}, atoms); err != nil {
		s.sendPM(ctx, uid, rejectionNotice(err))
		return
	}
	if err := s.bot.PayTip(ctx, uid, dcrutil.Amount(atoms), 0); err != nil {
		s.log.Errorf("payout of %d to %s failed: %v", atoms, uid, err)
		// Put the debit back so the balance matches what was paid.
		if rerr := s.db.Award(ctx, []zkidentity.ShortID{uid}, atoms); rerr != nil {
			s.log.Errorf("failed to restore balance for %s: %v", uid, rerr)
		}
		s.sendPM(ctx, uid, "payout failed, your balance is unchanged")
		return
	}
	s.sendPM(ctx, uid, fmt.Sprintf("sent %s to your wallet", dcrutil.Amount(atoms)))
}

func parseSide(args []string) (wagergame.Side, []string, error) {
	if len(args) == 0 {
		return wagergame.SideNone, nil, errors.New("usage: !flip heads|tails <amount>")
	}
	switch strings.ToLower(args[0]) {
	case "heads":
		return wagergame.SideHeads, args[1:], nil
	case "tails":
		return wagergame.SideTails, args[1:], nil
	}
	return wagergame.SideNone, nil, errors.New("usage: !flip heads|tails <amount>")
}

// parseAmount reads a DCR amount argument into atoms.
func parseAmount(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errors.New("missing amount")
	}
	f, err := strconv.ParseFloat(args[0], 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid amount %q", args[0])
	}
	amt, err := dcrutil.NewAmount(f)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", args[0], err)
	}
	return int64(amt), nil
}
