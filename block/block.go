// Package block defines the KV-cache block unit migrated between
// instances.
package block

// ID identifies one physical KV-cache block slot within an instance's
// block table. Block ids are local to an instance; there is no global
// block namespace.
type ID int32

// Table is an ordered sequence of block ids backing one request's KV
// cache, in token order.
type Table []ID

func (t Table) Clone() Table {
	out := make(Table, len(t))
	copy(out, t)
	return out
}

// Disjoint reports whether a and b share no block ids; used to assert
// the single-writer invariant before publishing a reservation.
func Disjoint(a, b Table) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	seen := make(map[ID]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[id]; ok {
			return false
		}
	}
	return true
}
