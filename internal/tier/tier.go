// Package tier implements the engagement ladder: which tier a subscriber
// moves to given purchase evidence, and which moves are legal at all.
package tier

import (
	"sort"
	"strings"
)

// Step is one progression entry: the destination tier with and without
// purchase evidence.
type Step struct {
	Purchased    string
	NotPurchased string
}

// Ladder holds the ordered tier set and the progression map. Tiers whose
// names carry the purchase suffix may only be entered with purchase
// evidence, wherever the progression map points.
type Ladder struct {
	order       []string
	rank        map[string]int
	progression map[string]Step
}

const purchasedSuffix = "_PURCHASED"

// NewLadder builds a Ladder. Tier names are normalized to upper case; the
// progression map may reference tiers outside order, those destinations are
// still reachable but rank as unknown.
func NewLadder(order []string, progression map[string]Step) *Ladder {
	l := &Ladder{
		order:       make([]string, 0, len(order)),
		rank:        make(map[string]int, len(order)),
		progression: make(map[string]Step, len(progression)),
	}
	for i, t := range order {
		t = strings.ToUpper(strings.TrimSpace(t))
		l.order = append(l.order, t)
		l.rank[t] = i
	}
	for from, step := range progression {
		l.progression[strings.ToUpper(strings.TrimSpace(from))] = Step{
			Purchased:    strings.ToUpper(strings.TrimSpace(step.Purchased)),
			NotPurchased: strings.ToUpper(strings.TrimSpace(step.NotPurchased)),
		}
	}
	return l
}

// Order returns the configured tier set, highest engagement first.
func (l *Ladder) Order() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Base returns the entry tier for new members.
func (l *Ladder) Base() string {
	if len(l.order) == 0 {
		return ""
	}
	return l.order[0]
}

// Contains reports whether tier is in the configured set.
func (l *Ladder) Contains(tier string) bool {
	_, ok := l.rank[strings.ToUpper(strings.TrimSpace(tier))]
	return ok
}

// Rank returns the tier's position in the order, or -1 when unknown.
func (l *Ladder) Rank(tier string) int {
	if r, ok := l.rank[strings.ToUpper(strings.TrimSpace(tier))]; ok {
		return r
	}
	return -1
}

// RequiresPurchase reports whether a tier may only be entered with purchase
// evidence.
func RequiresPurchase(tier string) bool {
	return strings.HasSuffix(strings.ToUpper(strings.TrimSpace(tier)), purchasedSuffix)
}

// Next returns the tier a subscriber in current moves to given the purchase
// evidence. Tiers absent from the progression map hold their position.
func (l *Ladder) Next(current string, purchased bool) string {
	cur := strings.ToUpper(strings.TrimSpace(current))
	step, ok := l.progression[cur]
	if !ok {
		return cur
	}
	next := step.NotPurchased
	if purchased {
		next = step.Purchased
	}
	if next == "" {
		return cur
	}
	return next
}

// Terminal reports whether a tier holds its position regardless of purchase
// evidence.
func (l *Ladder) Terminal(tier string) bool {
	t := strings.ToUpper(strings.TrimSpace(tier))
	return l.Next(t, true) == t && l.Next(t, false) == t
}

// IsLegal reports whether moving a subscriber from one tier to another is
// allowed: staying put is always legal, otherwise the move must match the
// progression entry for the source given the purchase evidence, and a
// purchase tier may never be entered without evidence.
func (l *Ladder) IsLegal(from, to string, purchased bool) bool {
	f := strings.ToUpper(strings.TrimSpace(from))
	t := strings.ToUpper(strings.TrimSpace(to))
	if f == t {
		return true
	}
	if RequiresPurchase(t) && !purchased {
		return false
	}
	step, ok := l.progression[f]
	if !ok {
		return false
	}
	if purchased {
		return t == step.Purchased
	}
	return t == step.NotPurchased
}

// Tiers returns every tier reachable through the ladder, order tiers first,
// then any progression-only destinations sorted for stable output.
func (l *Ladder) Tiers() []string {
	seen := make(map[string]bool, len(l.order))
	out := make([]string, 0, len(l.order))
	for _, t := range l.order {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	var extra []string
	for from, step := range l.progression {
		for _, t := range []string{from, step.Purchased, step.NotPurchased} {
			if t != "" && !seen[t] {
				seen[t] = true
				extra = append(extra, t)
			}
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
