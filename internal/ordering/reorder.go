// Package ordering keeps user-sortable collections in memory, applies edits
// optimistically, and persists them through debounced full-row writes.
package ordering

// Reorder moves the element at from to index to, shifting the elements in
// between by one. Indices are clamped to [0, len(seq)-1]. The input slice is
// never modified; a new slice is returned even when nothing moves.
func Reorder[T any](seq []T, from, to int) []T {
	out := make([]T, len(seq))
	copy(out, seq)
	if len(out) < 2 {
		return out
	}

	from = clamp(from, 0, len(out)-1)
	to = clamp(to, 0, len(out)-1)
	if from == to {
		return out
	}

	moved := out[from]
	if from < to {
		copy(out[from:to], out[from+1:to+1])
	} else {
		copy(out[to+1:from+1], out[to:from])
	}
	out[to] = moved
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
