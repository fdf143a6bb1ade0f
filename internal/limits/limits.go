// Package limits implements the limit-rule table: the list of
// (username, database) -> connection-count-limit entries that the pool
// engine consults on every acquire to find which bucket a request belongs
// to and whether that bucket still has room.
package limits

import (
	"fmt"
	"sync/atomic"
)

// All is the wildcard sentinel for a rule's Username or Database field,
// matching pgagroal's own limit-file convention.
const All = "all"

// Rule is one configured limit entry.
type Rule struct {
	Username    string `yaml:"username" validate:"required"`
	Database    string `yaml:"database" validate:"required"`
	MaxSize     int    `yaml:"max_size" validate:"required,gt=0"`
	InitialSize int    `yaml:"initial_size" validate:"gte=0"`
	MinSize     int    `yaml:"min_size" validate:"gte=0"`
}

func (r Rule) matches(username, database string) bool {
	userOK := r.Username == All || r.Username == username
	dbOK := r.Database == All || r.Database == database
	return userOK && dbOK
}

// specificity ranks a matching rule so the most specific one wins ties,
// mirroring pgagroal's find_best_rule: an exact (user, db) match beats a
// single wildcard, which beats (all, all).
func (r Rule) specificity() int {
	rank := 0
	if r.Username != All {
		rank += 2
	}
	if r.Database != All {
		rank += 2
	}
	return rank
}

// Set holds the configured rules plus one atomic in-use counter per rule,
// used to admit or reject new acquisitions against each rule's MaxSize.
type Set struct {
	rules  []Rule
	active []atomic.Int32
}

// NewSet builds a limit set from the given rules, in declaration order.
// Declaration order matters: find resolves specificity ties by first
// declared rule wins.
func NewSet(rules []Rule) *Set {
	s := &Set{
		rules:  make([]Rule, len(rules)),
		active: make([]atomic.Int32, len(rules)),
	}
	copy(s.rules, rules)
	return s
}

// Len returns the number of configured rules.
func (s *Set) Len() int {
	return len(s.rules)
}

// Rule returns the rule at index i.
func (s *Set) Rule(i int) Rule {
	return s.rules[i]
}

// Find returns the index of the best-matching rule for (username,
// database), or -1 if no rule matches. Best match = highest specificity;
// ties broken by declaration order (lowest index wins), exactly as
// find_best_rule walks the rule array front-to-back and only replaces the
// current best on a strictly greater rank.
func (s *Set) Find(username, database string) int {
	best := -1
	bestRank := -1
	for i, r := range s.rules {
		if !r.matches(username, database) {
			continue
		}
		rank := r.specificity()
		if rank > bestRank {
			best = i
			bestRank = rank
		}
	}
	return best
}

// ErrAtCapacity is returned by Reserve when the rule has no room left.
var ErrAtCapacity = fmt.Errorf("limits: rule at max_size")

// Reserve increments the rule's active count unless it is already at
// MaxSize, in which case it returns ErrAtCapacity. The increment is a
// compare-and-swap loop, so the count never goes past MaxSize and there is
// nothing to roll back (pgagroal_get_connection uses fetch-add followed by
// a rollback on overflow instead).
func (s *Set) Reserve(ruleIndex int) error {
	if ruleIndex < 0 || ruleIndex >= len(s.rules) {
		return fmt.Errorf("limits: rule index %d out of range", ruleIndex)
	}
	max := int32(s.rules[ruleIndex].MaxSize)
	for {
		cur := s.active[ruleIndex].Load()
		if cur >= max {
			return ErrAtCapacity
		}
		if s.active[ruleIndex].CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release decrements the rule's active count. Safe to call on a
// rule index that has already reached zero only if callers never
// double-release a single reservation.
func (s *Set) Release(ruleIndex int) {
	if ruleIndex < 0 || ruleIndex >= len(s.rules) {
		return
	}
	s.active[ruleIndex].Add(-1)
}

// ActiveCount returns the current in-use count for a rule.
func (s *Set) ActiveCount(ruleIndex int) int {
	if ruleIndex < 0 || ruleIndex >= len(s.rules) {
		return 0
	}
	return int(s.active[ruleIndex].Load())
}
