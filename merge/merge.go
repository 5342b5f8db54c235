// Package merge implements the bounded two-way merge used to accumulate
// ranked partial results.
package merge

// Bounded merges a and b, both ordered by cmp, into a new ordered slice
// holding at most n elements. Elements comparing equal are taken from a
// first, so previously accumulated order always wins over newly arrived
// order. The walk stops as soon as n elements are emitted.
func Bounded[T any](a, b []T, n int, cmp func(x, y T) int) []T {
	if n <= 0 {
		return []T{}
	}
	out := make([]T, 0, min(len(a)+len(b), n))
	i, j := 0, 0
	for len(out) < n {
		switch {
		case i < len(a) && j < len(b):
			if cmp(b[j], a[i]) < 0 {
				out = append(out, b[j])
				j++
			} else {
				out = append(out, a[i])
				i++
			}
		case i < len(a):
			out = append(out, a[i])
			i++
		case j < len(b):
			out = append(out, b[j])
			j++
		default:
			return out
		}
	}
	return out
}

// BoundedDistinct is Bounded but emits at most one element per key. The
// first element seen for a key in merge order is kept, which is the best
// ranked one with ties going to a.
func BoundedDistinct[T any, K comparable](a, b []T, n int, cmp func(x, y T) int, key func(T) K) []T {
	if n <= 0 {
		return []T{}
	}
	out := make([]T, 0, min(len(a)+len(b), n))
	seen := make(map[K]struct{}, cap(out))
	emit := func(v T) {
		k := key(v)
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	i, j := 0, 0
	for len(out) < n {
		switch {
		case i < len(a) && j < len(b):
			if cmp(b[j], a[i]) < 0 {
				emit(b[j])
				j++
			} else {
				emit(a[i])
				i++
			}
		case i < len(a):
			emit(a[i])
			i++
		case j < len(b):
			emit(b[j])
			j++
		default:
			return out
		}
	}
	return out
}
