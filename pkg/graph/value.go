package graph

// Value is the result payload of a successful (or partially successful) node
// computation. Value types are immutable once returned by a function.
type Value interface{}

// Equaler is the interface implemented by value types whose equality can't be
// established with the == operator (e.g. types containing slices or maps).
// The change-pruning machinery uses it to decide whether a recomputed value
// differs from its predecessor.
type Equaler interface {
	// Equal returns true if the receiver and other represent the same value.
	Equal(other Value) bool
}

// ValuesEqual compares two values for equality, preferring an Equal method if
// the previous value provides one and falling back to the == operator for
// comparable types. Two nil values are equal; a nil and non-nil value are not.
func ValuesEqual(previous, next Value) (equal bool) {
	// Handle nil cases.
	if previous == nil || next == nil {
		return previous == nil && next == nil
	}

	// Prefer structural equality if available.
	if equaler, ok := previous.(Equaler); ok {
		return equaler.Equal(next)
	}

	// Fall back to operator equality. This is only safe for comparable
	// dynamic types, so guard against the panic that would otherwise arise
	// from a value type that should have implemented Equaler but didn't.
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return previous == next
}
