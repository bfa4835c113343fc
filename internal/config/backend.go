package config

// Backend persists non-secret settings as raw strings keyed by dotted name.
// Parsing and validation happen in the settings table; kind tells the
// backend how to type the stored value.
type Backend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key, raw string, kind valueKind) error
	Remove(key string) error
}
