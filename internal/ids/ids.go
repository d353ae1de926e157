// Package ids generates the opaque, prefix-typed identifiers used across
// the runtime. Every entity carries a short kind prefix so a bare string in
// a log line or event payload is self-describing.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier kind prefixes.
const (
	Thread      = "th"
	Worldline   = "wl"
	Event       = "ev"
	Snapshot    = "snap"
	Artifact    = "art"
	Job         = "job"
	FanoutGroup = "fg"
	Sandbox     = "sbx"
)

// New returns a fresh identifier of the given kind, e.g. "wl_<uuid>".
func New(kind string) string {
	return kind + "_" + uuid.NewString()
}

// Kind reports the prefix of an identifier, or "" when it has none.
func Kind(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// Is reports whether id carries the given kind prefix.
func Is(id, kind string) bool {
	return Kind(id) == kind
}

// Short returns a truncated form safe for names and filenames: the kind
// prefix plus the first eight characters of the random part.
func Short(id string) string {
	i := strings.IndexByte(id, '_')
	if i < 0 || len(id) < i+9 {
		return id
	}
	return id[:i+9]
}
