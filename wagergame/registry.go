package wagergame

import (
	"fmt"
	"sync"

	"github.com/decred/slog"
)

// Registry tracks the currently open sessions. Session kinds are mutually
// exclusive: at most one open session per kind at a time, and at most one
// session per id ever.
type Registry struct {
	mtx      sync.RWMutex
	sessions map[string]*Session
	byKind   map[Kind]string
	log      slog.Logger
}

func NewRegistry(log slog.Logger) *Registry {
	if log == nil {
		log = slog.Disabled
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byKind:   make(map[Kind]string),
		log:      log,
	}
}

// Open registers a session. It fails if the id is taken or another session
// of the same kind is still running.
func (r *Registry) Open(s *Session) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrAlreadyOpen, s.ID)
	}
	if id, ok := r.byKind[s.Kind]; ok {
		return fmt.Errorf("%w: %s session %s still running", ErrAlreadyOpen, s.Kind, id)
	}
	r.sessions[s.ID] = s
	r.byKind[s.Kind] = s.ID
	r.log.Debugf("registry: opened %s session %s", s.Kind, s.ID)
	return nil
}

// Close deregisters a session. Closing twice is an error so settlement
// owners notice double-teardown bugs.
func (r *Registry) Close(id string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotOpen, id)
	}
	delete(r.sessions, id)
	if r.byKind[s.Kind] == id {
		delete(r.byKind, s.Kind)
	}
	r.log.Debugf("registry: closed %s session %s", s.Kind, id)
	return nil
}

// Get returns the open session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.sessions[id]
}

// ByKind returns the open session of the given kind, or nil.
func (r *Registry) ByKind(kind Kind) *Session {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if id, ok := r.byKind[kind]; ok {
		return r.sessions[id]
	}
	return nil
}

// Snapshot returns a copy of the open session list.
func (r *Registry) Snapshot() []*Session {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
