// Package order plans the sibling renumbering that keeps a scope's positions dense.
//
// A scope is the set of items sharing one parent. Every mutation is expressed as a
// short list of [Shift] steps followed by a single placement; executing the steps
// in order against a scope whose positions are {0..N-1} leaves them dense again.
// The planner is pure so the same plan drives the server transaction and any
// client-side replica.
package order

// Open marks an unbounded upper end of a [Range].
const Open = -1

// Range is an inclusive span of positions. To == Open means no upper bound.
type Range struct {
	From int
	To   int
}

// AtLeast returns the range [from, ∞).
func AtLeast(from int) Range {
	return Range{From: from, To: Open}
}

// Between returns the inclusive range [from, to].
func Between(from, to int) Range {
	return Range{From: from, To: to}
}

// Contains reports whether pos lies inside r.
func (r Range) Contains(pos int) bool {
	if pos < r.From {
		return false
	}
	return r.To == Open || pos <= r.To
}

// Empty reports whether no position can satisfy r.
func (r Range) Empty() bool {
	return r.To != Open && r.To < r.From
}

// Shift adds Delta to the position of every item in Parent's scope whose
// position lies in Range.
type Shift struct {
	Parent *int64
	Range  Range
	Delta  int
}

// SameScope reports whether two parent references denote the same scope.
// nil is the root scope.
func SameScope(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Clamp bounds pos to [0, max]. A negative max clamps to 0.
func Clamp(pos, max int) int {
	if max < 0 {
		max = 0
	}
	if pos < 0 {
		return 0
	}
	if pos > max {
		return max
	}
	return pos
}

// PlanInsert opens a gap at pos in parent's scope.
func PlanInsert(parent *int64, pos int) []Shift {
	return []Shift{{Parent: parent, Range: AtLeast(pos), Delta: 1}}
}

// PlanRemove closes the gap left by removing the item at pos.
func PlanRemove(parent *int64, pos int) []Shift {
	return []Shift{{Parent: parent, Range: AtLeast(pos + 1), Delta: -1}}
}

// PlanMove returns the shifts needed to move the item at (src, from) to (dst, to).
// The caller places the item itself afterwards. A same-scope move with
// from == to yields no shifts.
func PlanMove(src *int64, from int, dst *int64, to int) []Shift {
	if !SameScope(src, dst) {
		return append(PlanRemove(src, from), PlanInsert(dst, to)...)
	}
	switch {
	case to > from:
		return []Shift{{Parent: src, Range: Between(from+1, to), Delta: -1}}
	case to < from:
		return []Shift{{Parent: src, Range: Between(to, from-1), Delta: 1}}
	default:
		return nil
	}
}

// MaxTarget is the largest legal target position for an item entering a scope
// of the given size. An item already in the scope counts toward size, so it can
// only go as far as size-1; anything new may append at size.
func MaxTarget(size int, alreadyInScope bool) int {
	if alreadyInScope {
		return size - 1
	}
	return size
}
