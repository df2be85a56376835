package natsbus

import (
	"sort"
	"time"
)

// rosterEntry is the value stored under <session>.members.<member>.
type rosterEntry struct {
	MemberID string    `json:"member_id"`
	Name     string    `json:"name,omitempty"`
	JoinSeq  uint64    `json:"join_seq"`
	LastSeen time.Time `json:"last_seen"`
}

// liveRoster returns the entries seen within ttl, ordered by join sequence.
func liveRoster(entries map[string]rosterEntry, now time.Time, ttl time.Duration) []rosterEntry {
	live := make([]rosterEntry, 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.LastSeen) > ttl {
			continue
		}
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].JoinSeq != live[j].JoinSeq {
			return live[i].JoinSeq < live[j].JoinSeq
		}
		return live[i].MemberID < live[j].MemberID
	})
	return live
}

// authorityOf picks the earliest joined live member.
func authorityOf(live []rosterEntry) string {
	if len(live) == 0 {
		return ""
	}
	return live[0].MemberID
}

// staleMembers lists entries that have not heartbeated within ttl.
func staleMembers(entries map[string]rosterEntry, now time.Time, ttl time.Duration) []string {
	var stale []string
	for id, e := range entries {
		if now.Sub(e.LastSeen) > ttl {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// diffRoster reports members that appeared in next and those that vanished from prev.
func diffRoster(prev, next []rosterEntry) (joined, left []string) {
	before := make(map[string]bool, len(prev))
	for _, e := range prev {
		before[e.MemberID] = true
	}
	after := make(map[string]bool, len(next))
	for _, e := range next {
		after[e.MemberID] = true
		if !before[e.MemberID] {
			joined = append(joined, e.MemberID)
		}
	}
	for _, e := range prev {
		if !after[e.MemberID] {
			left = append(left, e.MemberID)
		}
	}
	return joined, left
}
