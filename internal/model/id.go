package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID used to identify a request across the engine,
// the store and the API.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed request ID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
