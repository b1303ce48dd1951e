package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"github.com/vctt94/wager-bisonrelay/server/serverdb"
	"github.com/vctt94/wager-bisonrelay/wagergame"
)

const (
	name    = "wagerbot"
	version = "v0.1.0"

	defaultSessionWindow = 60 * time.Second
	defaultSideChance    = 2
)

// BotInterface defines the methods needed by the server.
type BotInterface interface {
	Run(ctx context.Context) error
	SendPM(ctx context.Context, nick string, msg string) error
	PayTip(ctx context.Context, recipient zkidentity.ShortID, amount dcrutil.Amount, priority int32) error
	AckTipReceived(ctx context.Context, sequenceId uint64) error
}

type ServerConfig struct {
	ServerDir string

	Bot        BotInterface
	LogBackend *logging.LogBackend

	IsF2P         bool
	MinStakeAtoms int64
	SideChance    int
	SessionWindow time.Duration

	// HouseID is the identity credited with house wins. Usually the
	// bot's own identity.
	HouseID zkidentity.ShortID
}

type Server struct {
	sync.RWMutex

	bot       BotInterface
	log       slog.Logger
	db        serverdb.Ledger
	isF2P     bool
	minStake  int64
	sideChance int
	window    time.Duration
	houseID   zkidentity.ShortID

	registry *wagergame.Registry
	locks    *wagergame.LockSet

	// collectors maps open session ids to their event collectors so PM
	// handlers can route actions into the right window.
	collectors map[string]*wagergame.Collector

	// redist is the currently running redistribution event, nil when idle.
	redist *redistribution

	nicks map[zkidentity.ShortID]string

	sessionWG sync.WaitGroup
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	if cfg.Bot == nil {
		return nil, fmt.Errorf("bot is nil")
	}

	var db serverdb.Ledger
	if cfg.IsF2P {
		db = serverdb.NewMemLedger()
	} else {
		var err error
		db, err = serverdb.NewBoltLedger(filepath.Join(cfg.ServerDir, "wager.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger database: %w", err)
		}
	}

	window := cfg.SessionWindow
	if window <= 0 {
		window = defaultSessionWindow
	}
	sideChance := cfg.SideChance
	if sideChance < 0 || sideChance > 100 {
		return nil, fmt.Errorf("side chance out of range: %d", sideChance)
	}
	if sideChance == 0 {
		sideChance = defaultSideChance
	}

	log := cfg.LogBackend.Logger("Server")
	s := &Server{
		bot:        cfg.Bot,
		log:        log,
		db:         db,
		isF2P:      cfg.IsF2P,
		minStake:   cfg.MinStakeAtoms,
		sideChance: sideChance,
		window:     window,
		houseID:    cfg.HouseID,
		registry:   wagergame.NewRegistry(cfg.LogBackend.Logger("Registry")),
		locks:      wagergame.NewLockSet(),
		collectors: make(map[string]*wagergame.Collector),
		nicks:      make(map[zkidentity.ShortID]string),
	}
	return s, nil
}

// Run drives the bot until ctx is cancelled, then waits for open sessions
// to unwind. Sessions interrupted by shutdown refund their escrowed stakes
// before the ledger closes.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.bot.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("bot exited: %v", err)
		}
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warnf("timed out waiting for sessions to unwind")
	}
	return s.db.Close()
}

// startSession escrows the initiator's stake, registers the session and
// spawns its collector loop. The stake is taken before the session becomes
// visible; if registration then fails the stake is refunded.
func (s *Server) startSession(ctx context.Context, initiator zkidentity.ShortID, kind wagergame.Kind, stake int64, side wagergame.Side) {
	if stake < s.minStake {
		s.sendPM(ctx, initiator, fmt.Sprintf("minimum stake is %s", dcrutil.Amount(s.minStake)))
		return
	}

	id, err := utils.GenerateRandomString(16)
	if err != nil {
		s.log.Errorf("failed to generate session id: %v", err)
		return
	}
	sideChance := 0
	if kind == wagergame.BinaryChoice {
		sideChance = s.sideChance
	}
	sess := wagergame.NewSession(wagergame.SessionConfig{
		ID:         id,
		Kind:       kind,
		Stake:      stake,
		SideChance: sideChance,
		Duration:   s.window,
		HouseID:    s.houseID,
		Seed:       randomSeed(),
		Log:        s.log,
	})

	if err := sess.Join(ctx, s.db, s.locks, initiator, side); err != nil {
		s.sendPM(ctx, initiator, rejectionNotice(err))
		return
	}
	if err := s.registry.Open(sess); err != nil {
		// Another session of this kind raced us open; hand the stake back.
		if rerr := sess.RefundAll(ctx, s.db); rerr != nil {
			s.log.Errorf("session %s: refund after failed open: %v", id, rerr)
		}
		s.sendPM(ctx, initiator, fmt.Sprintf("a %s session is already running, join it instead", kind))
		return
	}

	col := wagergame.NewCollector(wagergame.CollectorConfig{
		SessionID: id,
		Deadline:  sess.Deadline,
		Ack:       func(ev wagergame.ActionEvent) { s.log.Tracef("session %s: action from %s processed", id, ev.Actor) },
		Log:       s.log,
	})
	s.Lock()
	s.collectors[id] = col
	s.Unlock()

	s.sessionWG.Add(1)
	go s.runSession(ctx, sess, col)

	s.sendPM(ctx, initiator, fmt.Sprintf("%s session started, stake %s, window %s",
		kind, dcrutil.Amount(stake), s.window))
}

// runSession drains the session's window and settles it. This is the only
// goroutine that mutates the session, so all state transitions happen
// between its suspension points.
func (s *Server) runSession(ctx context.Context, sess *wagergame.Session, col *wagergame.Collector) {
	defer s.sessionWG.Done()
	defer func() {
		s.Lock()
		delete(s.collectors, sess.ID)
		s.Unlock()
		if err := s.registry.Close(sess.ID); err != nil {
			s.log.Warnf("session %s: %v", sess.ID, err)
		}
	}()

	err := col.Collect(ctx, func(ev wagergame.ActionEvent) error {
		return s.applyAction(ctx, sess, ev)
	})
	if err != nil {
		// Shutdown interrupted the window; stakes go back.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := sess.RefundAll(rctx, s.db); rerr != nil {
			s.log.Errorf("session %s: refund on abort failed: %v", sess.ID, rerr)
		}
		s.notifyParticipants(rctx, sess, fmt.Sprintf("%s session aborted, stakes refunded", sess.Kind))
		return
	}

	res, err := sess.Settle(ctx, s.db)
	if err != nil {
		s.log.Errorf("session %s: settlement failed: %v", sess.ID, err)
		s.notifyParticipants(ctx, sess, fmt.Sprintf("%s session failed to settle, contact the operator", sess.Kind))
		return
	}
	s.announceResult(ctx, sess, res)
	s.updateCrown(ctx)
}

// applyAction mutates the session for one collected event. Validation
// failures only affect the acting participant: they get a private notice
// and the session continues for everyone else.
func (s *Server) applyAction(ctx context.Context, sess *wagergame.Session, ev wagergame.ActionEvent) error {
	switch ev.Kind {
	case wagergame.ActionJoin:
		if err := sess.Join(ctx, s.db, s.locks, ev.Actor, ev.Side); err != nil {
			s.sendPM(ctx, ev.Actor, rejectionNotice(err))
			return err
		}
		snap := sess.Snapshot()
		s.sendPM(ctx, ev.Actor, fmt.Sprintf("you are in: pot is %s with %d player(s), %s left",
			dcrutil.Amount(snap.Pot), len(snap.Participants), snap.TimeRemaining.Round(time.Second)))
	case wagergame.ActionHit:
		rolls, total, err := sess.Act(ev.Actor, ev.Dice)
		if err != nil {
			s.sendPM(ctx, ev.Actor, rejectionNotice(err))
			return err
		}
		s.sendPM(ctx, ev.Actor, fmt.Sprintf("rolled %v, total %d", rolls, total))
	default:
		return fmt.Errorf("unexpected action kind %d", ev.Kind)
	}
	return nil
}

func (s *Server) announceResult(ctx context.Context, sess *wagergame.Session, res *wagergame.SettlementResult) {
	var msg string
	switch {
	case len(res.Winners) == 0:
		msg = fmt.Sprintf("%s session closed: %s", sess.Kind, res.Outcome)
	case res.HouseWon && len(res.Winners) == 1:
		msg = fmt.Sprintf("%s session closed: %s, the house takes the pot", sess.Kind, res.Outcome)
	default:
		msg = fmt.Sprintf("%s session closed: %s, %d winner(s) take %s each",
			sess.Kind, res.Outcome, len(res.Winners), dcrutil.Amount(res.PrizePerWinner))
	}
	if res.MultiplierApplied {
		msg += fmt.Sprintf(" (bonus multiplier %.2f)", res.Multiplier)
	}
	s.notifyParticipants(ctx, sess, msg)
	for _, w := range res.Winners {
		s.sendPM(ctx, w, fmt.Sprintf("you won %s on the %s session", dcrutil.Amount(res.PrizePerWinner), sess.Kind))
	}
	if res.TaxRecipient != nil {
		s.sendPM(ctx, *res.TaxRecipient, fmt.Sprintf("the crown collects a %s remainder", dcrutil.Amount(res.Remainder)))
	}
}

func (s *Server) notifyParticipants(ctx context.Context, sess *wagergame.Session, msg string) {
	for _, p := range sess.Participants() {
		if p.IsHouse {
			continue
		}
		s.sendPM(ctx, p.ID, msg)
	}
}

// updateCrown hands the crown role to the current leaderboard leader.
func (s *Server) updateCrown(ctx context.Context) {
	entries, err := s.db.Leaderboard(ctx, 1)
	if err != nil || len(entries) == 0 {
		return
	}
	holder, err := s.db.PrivilegedHolder(ctx, wagergame.RoleCrown)
	if err != nil {
		return
	}
	if holder != nil && *holder == entries[0].ID {
		return
	}
	if err := s.db.SetPrivilegedHolder(ctx, wagergame.RoleCrown, entries[0].ID); err != nil {
		s.log.Warnf("failed to update crown holder: %v", err)
		return
	}
	s.sendPM(ctx, entries[0].ID, "you now hold the crown")
}

// sendPM delivers a private notice, preferring the actor's known nick.
func (s *Server) sendPM(ctx context.Context, actor zkidentity.ShortID, msg string) {
	s.RLock()
	nick, ok := s.nicks[actor]
	s.RUnlock()
	if !ok {
		nick = actor.String()
	}
	if err := s.bot.SendPM(ctx, nick, msg); err != nil {
		s.log.Warnf("failed to PM %s: %v", actor, err)
	}
}

func rejectionNotice(err error) string {
	return "rejected: " + err.Error()
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
