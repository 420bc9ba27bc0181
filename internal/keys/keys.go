package keys

// Package keys centralizes storage key construction.
// It is kept in internal to avoid leaking key formats to public API.

// DefaultNamespace is used when a queue is created without an explicit namespace.
const DefaultNamespace = "default"

func Items(ns string) string { return "syncq:{" + ns + "}:items" }
func Lock(ns string) string  { return "syncq:{" + ns + "}:lock" }

// Corrupt holds the last snapshot that could not be parsed at all.
func Corrupt(ns string) string { return "syncq:{" + ns + "}:corrupt" }

// Namespace holds all precomputed keys for a namespace to avoid repeated concatenations.
type Namespace struct {
	Items   string
	Lock    string
	Corrupt string
}

// For returns the set of keys for the provided namespace. An empty namespace maps to DefaultNamespace.
func For(ns string) Namespace {
	if ns == "" {
		ns = DefaultNamespace
	}
	prefix := "syncq:{" + ns + "}:"
	return Namespace{
		Items:   prefix + "items",
		Lock:    prefix + "lock",
		Corrupt: prefix + "corrupt",
	}
}
