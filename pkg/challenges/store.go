package challenges

import (
	"sort"
	"sync"

	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/metrics"
	"github.com/plfanzen/backend/pkg/types"
	"github.com/rs/zerolog"
)

// ChangeType classifies a registry change
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// ChangeEvent is emitted once per challenge whose definition changed
// between two loads
type ChangeEvent struct {
	Type        ChangeType
	ChallengeID string
	Hash        string
}

// Store is the in-memory challenge registry. The published set is
// replaced atomically on reload; readers never observe a partial
// update. Change events are best-effort and informational.
type Store struct {
	mu     sync.RWMutex
	defs   map[string]*types.ChallengeDefinition
	events chan ChangeEvent
	logger zerolog.Logger
}

// NewStore creates an empty challenge store
func NewStore() *Store {
	return &Store{
		defs:   make(map[string]*types.ChallengeDefinition),
		events: make(chan ChangeEvent, 64),
		logger: log.WithComponent("challenges"),
	}
}

// Replace swaps the published definition set and emits one change
// event per added, updated or removed challenge.
func (s *Store) Replace(defs map[string]*types.ChallengeDefinition) {
	s.mu.Lock()
	prev := s.defs
	s.defs = defs
	s.mu.Unlock()

	for id, def := range defs {
		old, ok := prev[id]
		switch {
		case !ok:
			s.emit(ChangeEvent{Type: ChangeAdded, ChallengeID: id, Hash: def.Hash})
		case old.Hash != def.Hash:
			s.emit(ChangeEvent{Type: ChangeUpdated, ChallengeID: id, Hash: def.Hash})
		}
	}
	for id := range prev {
		if _, ok := defs[id]; !ok {
			s.emit(ChangeEvent{Type: ChangeRemoved, ChallengeID: id})
		}
	}

	metrics.ChallengesLoaded.Set(float64(len(defs)))
	s.logger.Info().Int("challenges", len(defs)).Msg("Challenge registry replaced")
}

func (s *Store) emit(ev ChangeEvent) {
	select {
	case s.events <- ev:
	default:
		// Nobody is draining fast enough; events are informational,
		// dropping is preferable to blocking a reload.
		logger := log.WithChallenge(ev.ChallengeID)
		logger.Warn().Msg("Dropping challenge change event")
	}
}

// Changes returns the change event channel
func (s *Store) Changes() <-chan ChangeEvent {
	return s.events
}

// Get returns the definition for a challenge ID
func (s *Store) Get(id string) (*types.ChallengeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return def, nil
}

// List returns all definitions sorted by ID
func (s *Store) List() []*types.ChallengeDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ChallengeDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of published definitions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}
