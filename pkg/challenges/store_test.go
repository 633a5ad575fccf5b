package challenges

import (
	"testing"

	"github.com/plfanzen/backend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defWithHash(id, hash string) *types.ChallengeDefinition {
	return &types.ChallengeDefinition{ID: id, Name: id, Hash: hash}
}

func drainEvents(s *Store) map[string]ChangeEvent {
	out := make(map[string]ChangeEvent)
	for {
		select {
		case ev := <-s.Changes():
			out[ev.ChallengeID] = ev
		default:
			return out
		}
	}
}

func TestStoreGet(t *testing.T) {
	s := NewStore()
	s.Replace(map[string]*types.ChallengeDefinition{
		"pwn-101": defWithHash("pwn-101", "h1"),
	})

	def, err := s.Get("pwn-101")
	require.NoError(t, err)
	assert.Equal(t, "h1", def.Hash)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStoreListSorted(t *testing.T) {
	s := NewStore()
	s.Replace(map[string]*types.ChallengeDefinition{
		"web-200": defWithHash("web-200", "h2"),
		"pwn-101": defWithHash("pwn-101", "h1"),
	})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "pwn-101", list[0].ID)
	assert.Equal(t, "web-200", list[1].ID)
}

func TestStoreChangeEvents(t *testing.T) {
	s := NewStore()

	s.Replace(map[string]*types.ChallengeDefinition{
		"pwn-101": defWithHash("pwn-101", "h1"),
		"web-200": defWithHash("web-200", "h2"),
	})
	events := drainEvents(s)
	assert.Equal(t, ChangeAdded, events["pwn-101"].Type)
	assert.Equal(t, ChangeAdded, events["web-200"].Type)

	// Update one, remove one, keep nothing identical
	s.Replace(map[string]*types.ChallengeDefinition{
		"pwn-101": defWithHash("pwn-101", "h1-new"),
	})
	events = drainEvents(s)
	require.Len(t, events, 2)
	assert.Equal(t, ChangeUpdated, events["pwn-101"].Type)
	assert.Equal(t, "h1-new", events["pwn-101"].Hash)
	assert.Equal(t, ChangeRemoved, events["web-200"].Type)
}

func TestStoreUnchangedReloadEmitsNothing(t *testing.T) {
	s := NewStore()
	defs := map[string]*types.ChallengeDefinition{
		"pwn-101": defWithHash("pwn-101", "h1"),
	}
	s.Replace(defs)
	drainEvents(s)

	s.Replace(map[string]*types.ChallengeDefinition{
		"pwn-101": defWithHash("pwn-101", "h1"),
	})
	assert.Empty(t, drainEvents(s))
}
