// Package identity canonicalizes commit author/committer signatures into a
// single developer identity, so the same person committing under several
// name/email combinations (rebases, mail clients, forges) is counted once by
// the Extractor's per-file aggregates and the developer coupling matrix.
package identity

import (
	"strings"
)

// Unmatched is the canonical key used for a signature that cannot be
// resolved to any known identity.
const Unmatched = "<unmatched>"

// Key is a canonicalized developer identity: lower-cased email, or
// lower-cased name when no email is present.
type Key string

// Canonicalize derives a Key from a raw name/email pair. Email is preferred
// since it is far less likely to collide across distinct people than a
// display name; it is matched case-insensitively and with surrounding
// whitespace trimmed, mirroring how git itself compares addresses loosely.
func Canonicalize(name, email string) Key {
	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		return Key(email)
	}

	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Unmatched
	}

	return Key(name)
}

// Resolver maps canonicalized keys to a stable display name, merging
// aliases supplied via configuration.
type Resolver struct {
	aliases map[Key]Key // alias key -> canonical key
	names   map[Key]string
}

// NewResolver creates a Resolver. aliases maps a secondary identity key to
// the canonical key it should fold into.
func NewResolver(aliases map[string]string) *Resolver {
	r := &Resolver{
		aliases: make(map[Key]Key, len(aliases)),
		names:   make(map[Key]string),
	}

	for from, to := range aliases {
		r.aliases[Key(strings.ToLower(strings.TrimSpace(from)))] = Key(strings.ToLower(strings.TrimSpace(to)))
	}

	return r
}

// Resolve returns the canonical key for a raw name/email pair, following
// any configured alias, and remembers the first display name seen for that
// canonical key.
func (r *Resolver) Resolve(name, email string) Key {
	key := Canonicalize(name, email)

	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}

	if _, seen := r.names[key]; !seen && name != "" {
		r.names[key] = name
	}

	return key
}

// DisplayName returns the remembered display name for a canonical key, or
// the key itself if no name was ever recorded.
func (r *Resolver) DisplayName(key Key) string {
	if name, ok := r.names[key]; ok {
		return name
	}

	return string(key)
}
