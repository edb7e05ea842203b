// Package uuid generates string UUIDs.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID as a string.
func New() string {
	return uuid.NewString()
}
