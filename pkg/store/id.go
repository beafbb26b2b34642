package store

import "github.com/google/uuid"

// newModelID generates IDs for rows the store creates on its own,
// such as the lazily seeded voice model row.
func newModelID() string {
	return uuid.NewString()
}
