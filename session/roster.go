package session

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/openroom/voicesync/internal"
	"github.com/openroom/voicesync/profile"
	"github.com/openroom/voicesync/state"
)

// Origin says whether a roster entry has been confirmed by the registry or is
// still only our optimistic local claim.
type Origin int

const (
	OriginOptimistic Origin = iota
	OriginConfirmed
)

func (o Origin) String() string {
	if o == OriginConfirmed {
		return "confirmed"
	}
	return "optimistic"
}

// RosterEntry is one visible participant: the registry row joined with display
// profile data.
type RosterEntry struct {
	Row     state.PresenceRow `json:"row"`
	Profile profile.Profile   `json:"profile"`
	Origin  Origin            `json:"-"`
}

// localIntent records a mute/route change the user made locally. Clients don't
// share clocks precisely enough to compare against row timestamps, so the rule
// is purely local: intent issued since the last successful refresh beats the
// fetched row.
type localIntent struct {
	isMuted bool
	route   internal.AudioRoute
	at      time.Time
}

// mergeRoster builds the visible roster from a fetched row set.
//
// Rules, in order:
//   - rows at or beyond the stale window are dropped, even when the fallback
//     query surfaced them: the fallback exists to defeat clock skew on the
//     primary cutoff, not to resurrect departed participants
//   - the optimistic self entry survives until the registry confirms it
//   - once confirmed, the registry copy wins for every field except a local
//     mute/route intent newer than the last successful refresh
//   - newest join first, ties broken by user id for a stable order
func mergeRoster(
	fetched []state.PresenceRow,
	profiles map[string]profile.Profile,
	self *state.PresenceRow,
	intent *localIntent,
	lastRefresh time.Time,
	staleWindow time.Duration,
	now time.Time,
) []RosterEntry {
	entries := make([]RosterEntry, 0, len(fetched)+1)
	selfConfirmed := false
	for _, row := range fetched {
		if now.Sub(row.LastSeen) >= staleWindow {
			continue
		}
		if self != nil && row.UserID == self.UserID {
			selfConfirmed = true
			if intent != nil && intent.at.After(lastRefresh) {
				row.IsMuted = intent.isMuted
				row.AudioRoute = intent.route
			}
		}
		entries = append(entries, RosterEntry{
			Row:     row,
			Profile: profiles[row.UserID],
			Origin:  OriginConfirmed,
		})
	}
	if self != nil && !selfConfirmed {
		entries = append(entries, RosterEntry{
			Row:     *self,
			Profile: profiles[self.UserID],
			Origin:  OriginOptimistic,
		})
	}
	slices.SortFunc(entries, func(a, b RosterEntry) int {
		if a.Row.JoinedAt.After(b.Row.JoinedAt) {
			return -1
		}
		if b.Row.JoinedAt.After(a.Row.JoinedAt) {
			return 1
		}
		if a.Row.UserID < b.Row.UserID {
			return -1
		}
		if a.Row.UserID > b.Row.UserID {
			return 1
		}
		return 0
	})
	return entries
}
