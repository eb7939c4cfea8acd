package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const labelHashLock = "loop:hashlock:v1"

// NewChallenge returns the hash-lock challenge that solution opens.
func NewChallenge(solution string) string {
	return hex.EncodeToString(KDF(labelHashLock, []byte(solution)))
}

// HashLock verifies solutions against challenges produced by NewChallenge.
type HashLock struct{}

func (HashLock) Check(challenge, solution string) bool {
	if challenge == "" || solution == "" {
		return false
	}
	want, err := hex.DecodeString(strings.TrimSpace(challenge))
	if err != nil || len(want) != 32 {
		return false
	}
	got := KDF(labelHashLock, []byte(solution))
	return subtle.ConstantTimeCompare(want, got) == 1
}
