package wagergame

import (
	"context"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
)

const defaultEventBuffer = 64

// ActionKind tags what an ActionEvent asks for.
type ActionKind int32

const (
	// ActionJoin asks to join the session, escrowing a stake.
	ActionJoin ActionKind = iota
	// ActionHit asks for one or two score increments (AccumulatingScore).
	ActionHit
	// ActionOptIn registers the actor for a multi-actor event.
	ActionOptIn
)

// ActionEvent is one actor's action scoped to one session.
type ActionEvent struct {
	Actor zkidentity.ShortID
	Kind  ActionKind
	Side  Side
	Dice  int
	At    time.Time
}

// CollectorConfig configures a collector for one session window.
type CollectorConfig struct {
	SessionID string
	Deadline  time.Time
	Buffer    int
	// Accept filters events before they enter the buffer; nil accepts all.
	Accept func(ActionEvent) bool
	// Ack is called after an event has been processed. It is a transport
	// side effect visible to the action's origin, not session state.
	Ack func(ActionEvent)
	Log slog.Logger
}

// Collector is a deadline-bounded source of action events for one session.
// The transport delivers events with Deliver; the session's goroutine
// drains them with Collect. Events arriving after the collector has
// logically closed are discarded with no effect.
type Collector struct {
	sessionID string
	deadline  time.Time
	accept    func(ActionEvent) bool
	ack       func(ActionEvent)
	log       slog.Logger

	mtx    sync.Mutex
	closed bool
	events chan ActionEvent

	early     chan struct{}
	earlyOnce sync.Once
}

func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultEventBuffer
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	return &Collector{
		sessionID: cfg.SessionID,
		deadline:  cfg.Deadline,
		accept:    cfg.Accept,
		ack:       cfg.Ack,
		log:       cfg.Log,
		events:    make(chan ActionEvent, cfg.Buffer),
		early:     make(chan struct{}),
	}
}

// Deliver hands an event to the collector and reports whether it was
// accepted. Late deliveries after close are dropped, as are events the
// filter rejects. A full buffer drops the event rather than blocking the
// transport.
func (c *Collector) Deliver(ev ActionEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed {
		return false
	}
	if c.accept != nil && !c.accept(ev) {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		c.log.Debugf("collector %s: buffer full, dropping action from %s", c.sessionID, ev.Actor)
		return false
	}
}

// CloseEarly signals that the session no longer needs events, ending a
// running Collect before the deadline.
func (c *Collector) CloseEarly() {
	c.earlyOnce.Do(func() { close(c.early) })
}

// Collect drains events in arrival order until the deadline elapses, the
// session signals early closure, or ctx is cancelled. The wait is
// recomputed from the deadline on every iteration so a long run of events
// cannot stretch the window. Each handled event is acknowledged afterward;
// handler errors only concern the acting participant and do not stop
// collection.
func (c *Collector) Collect(ctx context.Context, handle func(ActionEvent) error) error {
	defer c.markClosed()

	for {
		remaining := time.Until(c.deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.early:
			timer.Stop()
			c.drain(handle)
			return nil
		case <-timer.C:
			c.drain(handle)
			return nil
		case ev := <-c.events:
			timer.Stop()
			c.handleOne(ev, handle)
		}
	}
}

// drain processes events that were delivered before the window closed but
// are still sitting in the buffer.
func (c *Collector) drain(handle func(ActionEvent) error) {
	for {
		select {
		case ev := <-c.events:
			c.handleOne(ev, handle)
		default:
			return
		}
	}
}

func (c *Collector) handleOne(ev ActionEvent, handle func(ActionEvent) error) {
	if err := handle(ev); err != nil {
		c.log.Debugf("collector %s: action from %s rejected: %v", c.sessionID, ev.Actor, err)
	}
	if c.ack != nil {
		c.ack(ev)
	}
}

func (c *Collector) markClosed() {
	c.mtx.Lock()
	c.closed = true
	c.mtx.Unlock()
}
