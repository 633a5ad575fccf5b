package cluster

import (
	"regexp"
	"testing"

	"github.com/plfanzen/backend/pkg/types"
	"github.com/stretchr/testify/assert"
)

var dns1123 = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

func TestNamespaceNameDeterministic(t *testing.T) {
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}
	a := NamespaceName("chal", key)
	b := NamespaceName("chal", key)
	assert.Equal(t, a, b)
}

func TestNamespaceNameDistinctKeys(t *testing.T) {
	a := NamespaceName("chal", types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"})
	b := NamespaceName("chal", types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-102"})
	c := NamespaceName("chal", types.InstanceKey{TeamID: "t2", ChallengeID: "pwn-101"})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNamespaceNameHostileInput(t *testing.T) {
	tests := []struct {
		name string
		key  types.InstanceKey
	}{
		{"path traversal", types.InstanceKey{TeamID: "../../etc", ChallengeID: "pwn"}},
		{"unicode", types.InstanceKey{TeamID: "тима", ChallengeID: "pwn"}},
		{"empty team", types.InstanceKey{TeamID: "", ChallengeID: "pwn"}},
		{"very long", types.InstanceKey{TeamID: string(make([]byte, 400)), ChallengeID: "pwn"}},
		{"dashes only", types.InstanceKey{TeamID: "---", ChallengeID: "pwn"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := NamespaceName("chal", tt.key)
			assert.Regexp(t, dns1123, ns)
			assert.LessOrEqual(t, len(ns), 63)
		})
	}
}

func TestNamespaceNameCollisionResistance(t *testing.T) {
	// Sanitized fragments collide, hash suffix must not
	a := NamespaceName("chal", types.InstanceKey{TeamID: "team_1", ChallengeID: "pwn"})
	b := NamespaceName("chal", types.InstanceKey{TeamID: "team.1", ChallengeID: "pwn"})
	assert.NotEqual(t, a, b)
}
