package supervisor

import "sort"

// FlipKind distinguishes the three signal lines the software core can
// schedule flips for (spec.md §3, §9).
type FlipKind int

const (
	FlipOverflow FlipKind = iota
	FlipNMI
	FlipIRQ
)

// Flip is a single scheduled edge on one of the three supported lines
// (spec.md §3's Flip tuple).
type Flip struct {
	Cycle int
	Kind  FlipKind
	State bool // true == asserted
}

// BuildFlips merges the SO/NMI/IRQ cycle-index timelines into the
// ordered flip list the supervisor drains during execution. Timelines
// toggle starting from deasserted, so the entry at index i (0-based)
// asserts when i is even and deasserts when i is odd.
//
// Per spec.md §3 and §9, ties are broken by insertion order — Overflow
// entries first, then Nmi, then Irq — not by any secondary key, so the
// merge below appends in that order and relies on a stable sort.
func BuildFlips(so, nmi, irq []int) []Flip {
	var flips []Flip
	appendTimeline := func(kind FlipKind, cycles []int) {
		for i, c := range cycles {
			flips = append(flips, Flip{Cycle: c, Kind: kind, State: i%2 == 0})
		}
	}
	appendTimeline(FlipOverflow, so)
	appendTimeline(FlipNMI, nmi)
	appendTimeline(FlipIRQ, irq)

	sort.SliceStable(flips, func(i, j int) bool { return flips[i].Cycle < flips[j].Cycle })
	return flips
}

// flipQueue is a drain-ordered cursor over a pre-sorted Flip slice; the
// full set is known up front (signal timelines are capped and bounded),
// so a sorted slice with a read cursor is simpler than a heap while
// behaving identically for this access pattern (pop everything due by
// a given cycle, in order).
type flipQueue struct {
	flips []Flip
	pos   int
}

func newFlipQueue(flips []Flip) *flipQueue {
	return &flipQueue{flips: flips}
}

// drainDue pops and returns every flip scheduled at or before cycle, in
// order.
func (q *flipQueue) drainDue(cycle int) []Flip {
	var due []Flip
	for q.pos < len(q.flips) && q.flips[q.pos].Cycle <= cycle {
		due = append(due, q.flips[q.pos])
		q.pos++
	}
	return due
}
