package engine

import (
	"math/rand"
	"strconv"
	"strings"
)

const participantIDMask = 0x7FFFFFFF

// DeriveParticipantID deterministically maps a user identity to the numeric
// handle the audio engine's wire protocol demands. It takes the first 8 hex
// characters of the identity (separators stripped), parses them base-16 and
// clears the sign bit so the result fits a signed 32-bit registry column.
// ok is false when the identity contains no hex characters at all, in which
// case callers should fall back to RandomParticipantID.
func DeriveParticipantID(identity string) (id int32, ok bool) {
	hexOnly := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			return r
		}
		return -1
	}, identity)
	if hexOnly == "" {
		return 0, false
	}
	if len(hexOnly) > 8 {
		hexOnly = hexOnly[:8]
	}
	v, err := strconv.ParseUint(hexOnly, 16, 64)
	if err != nil {
		return 0, false
	}
	return int32(v & participantIDMask), true
}

// RandomParticipantID returns a 31-bit handle for anonymous sessions, which
// have no stable identity to derive from. Collisions are tolerable only
// because such sessions are ephemeral.
func RandomParticipantID() int32 {
	return rand.Int31() & participantIDMask
}
