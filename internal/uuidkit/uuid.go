// Package uuidkit wraps github.com/google/uuid behind the opaque,
// string-serializable transfer identifier the registry and wire protocols
// pass around.
package uuidkit

import (
	"github.com/google/uuid"

	"etdaemon/internal/errors"
)

// UUID identifies exactly one transfer session on one peer. It is
// string-serializable and equality-comparable, and is never interpreted
// beyond that by callers.
type UUID string

// New mints a fresh, process-unique UUID.
func New() UUID {
	return UUID(uuid.New().String())
}

// Parse validates that s is a well-formed UUID and returns it as UUID.
// Wire-protocol input (e.g. the payload of "remove-uuid <uuid>") must be
// validated with Parse before use, since a malformed token is an argument
// error, not a registry miss.
func Parse(s string) (UUID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", errors.NewValidationError("uuid", s, "not a valid UUID")
	}
	return UUID(parsed.String()), nil
}

func (u UUID) String() string {
	return string(u)
}
