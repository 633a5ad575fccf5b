package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/plfanzen/backend/pkg/types"
)

// Label and annotation keys on every object the driver creates.
// Labels carry sanitized values and are used for selection; the
// annotations carry the exact IDs and are authoritative for
// attributing a workload back to its ledger key.
const (
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	ManagedByValue      = "ctf-manager"
	LabelTeam           = "ctf.plfanzen.org/team"
	LabelChallenge      = "ctf.plfanzen.org/challenge"
	LabelHash           = "ctf.plfanzen.org/hash"
	AnnotationTeamID    = "ctf.plfanzen.org/team-id"
	AnnotationChallenge = "ctf.plfanzen.org/challenge-id"
)

// sanitizeName lowercases and strips a string down to a DNS-1123 label
// fragment, truncated to max runes. Hostile input collapses to "x";
// uniqueness comes from the hash suffix, not from this fragment.
func sanitizeName(s string, max int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= max {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "x"
	}
	return out
}

// NamespaceName builds the deterministic namespace name for a key.
// The sha256 suffix keeps distinct keys distinct even when their
// sanitized fragments collide, and keeps the name under 63 characters.
func NamespaceName(prefix string, key types.InstanceKey) string {
	sum := sha256.Sum256([]byte(key.TeamID + "\x00" + key.ChallengeID))
	suffix := hex.EncodeToString(sum[:])[:10]
	return sanitizeName(prefix, 10) + "-" + sanitizeName(key.ChallengeID, 20) + "-" + sanitizeName(key.TeamID, 16) + "-" + suffix
}
