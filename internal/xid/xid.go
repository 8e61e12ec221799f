package xid

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a prefixed, lexicographically time-ordered identifier.
func New(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Valid reports whether id has the given prefix followed by a ULID.
func Valid(prefix string, id string) bool {
	raw := id
	if prefix != "" {
		if !strings.HasPrefix(id, prefix+"_") {
			return false
		}
		raw = strings.TrimPrefix(id, prefix+"_")
	}
	_, err := ulid.ParseStrict(strings.ToUpper(raw))
	return err == nil
}
