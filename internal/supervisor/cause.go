package supervisor

// Cause names why execution stopped (spec.md §3, §4.E, §4.F's cause ID map).
type Cause string

const (
	CauseLimit        Cause = "limit"
	CauseBRK          Cause = "brk"
	CauseInfiniteLoop Cause = "infinite_loop"
	CauseZeroFetch    Cause = "zero_fetch"
	CauseStackFetch   Cause = "stack_fetch"
	CauseVectorFetch  Cause = "vector_fetch"
	CauseBadWrite     Cause = "bad_write"
)

// causeID is the hardware session's wire encoding for each cause
// (spec.md §4.F's termination-packet cause byte).
var causeID = map[byte]Cause{
	0: CauseLimit,
	1: CauseBRK,
	2: CauseInfiniteLoop,
	3: CauseZeroFetch,
	4: CauseStackFetch,
	5: CauseVectorFetch,
	6: CauseBadWrite,
}

// CauseByID looks up the cause tag for a wire-encoded cause byte.
func CauseByID(id byte) (Cause, bool) {
	c, ok := causeID[id]
	return c, ok
}
