// Package uuid generates the opaque reference ids stored records are keyed by.
package uuid

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}
