package graph

// Family identifies the node family that a key belongs to, and thereby the
// function that computes values for the key. Families are registered by the
// packages that implement them.
type Family string

// Key identifies a single node in the graph. Implementations must be small
// comparable value types (usable as map keys), with equality holding if and
// only if both the family and the family-specific payload are equal. Key
// construction with an inconsistent payload (e.g. a rooted path with an empty
// root) is a programming error, not a user error, and implementations are
// expected to panic on such payloads at construction time.
type Key interface {
	// Family returns the family tag for the key.
	Family() Family
	// String returns a human-readable representation of the key. It is used
	// in diagnostic output and cycle reports and should uniquely describe the
	// key within its family.
	String() string
}
