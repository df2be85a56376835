package countdown

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Tier maps a minimum member count to the countdown granted at that size.
type Tier struct {
	MinMembers int           `yaml:"min_members" json:"min_members"`
	Duration   time.Duration `yaml:"duration" json:"duration"`
}

// Policy decides how long the countdown should be for a given member count.
// Below ActivationThreshold no countdown exists. Above it, larger groups get a
// shorter (or equal) grace period.
type Policy struct {
	ActivationThreshold int    `yaml:"activation_threshold" json:"activation_threshold"`
	Tiers               []Tier `yaml:"tiers" json:"tiers"`
}

// DefaultPolicy is the table the lobby shipped with: 2 members wait 30s,
// 3 members 15s, 4 or more 5s.
func DefaultPolicy() Policy {
	return Policy{
		ActivationThreshold: 2,
		Tiers: []Tier{
			{MinMembers: 2, Duration: 30 * time.Second},
			{MinMembers: 3, Duration: 15 * time.Second},
			{MinMembers: 4, Duration: 5 * time.Second},
		},
	}
}

// DesiredDuration returns the countdown length in seconds for memberCount,
// or 0 when no countdown should exist.
func (p Policy) DesiredDuration(memberCount int) float64 {
	if memberCount < p.ActivationThreshold || memberCount < 1 {
		return 0
	}

	best := -1
	var desired time.Duration
	for _, tier := range p.Tiers {
		if tier.MinMembers > memberCount || tier.MinMembers < p.ActivationThreshold {
			continue
		}
		if tier.MinMembers > best {
			best = tier.MinMembers
			desired = tier.Duration
		}
	}
	if best < 0 || desired <= 0 {
		return 0
	}
	return desired.Seconds()
}

// Validate checks the table is usable: positive durations, a tier that
// starts exactly at the threshold and a non-increasing duration as member
// count rises above it.
func (p Policy) Validate() error {
	if p.ActivationThreshold < 1 {
		return fmt.Errorf("activation threshold must be at least 1, got %d", p.ActivationThreshold)
	}
	if len(p.Tiers) == 0 {
		return errors.New("policy has no tiers")
	}

	tiers := make([]Tier, 0, len(p.Tiers))
	seen := make(map[int]bool, len(p.Tiers))
	for _, tier := range p.Tiers {
		if tier.Duration <= 0 {
			return fmt.Errorf("tier for %d members has non-positive duration %s", tier.MinMembers, tier.Duration)
		}
		if seen[tier.MinMembers] {
			return fmt.Errorf("duplicate tier for %d members", tier.MinMembers)
		}
		seen[tier.MinMembers] = true
		if tier.MinMembers >= p.ActivationThreshold {
			tiers = append(tiers, tier)
		}
	}
	if len(tiers) == 0 {
		return fmt.Errorf("no tier at or above activation threshold %d", p.ActivationThreshold)
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinMembers < tiers[j].MinMembers })
	if tiers[0].MinMembers != p.ActivationThreshold {
		// the counts in between would get no countdown at all
		return fmt.Errorf("no tier for activation threshold %d (lowest tier is %d members)",
			p.ActivationThreshold, tiers[0].MinMembers)
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Duration > tiers[i-1].Duration {
			return fmt.Errorf("tier for %d members (%s) is longer than tier for %d members (%s)",
				tiers[i].MinMembers, tiers[i].Duration, tiers[i-1].MinMembers, tiers[i-1].Duration)
		}
	}
	return nil
}
