package api

import (
	"github.com/google/uuid"
)

// maxIDLength leaves room for access tokens, which clients pass as the id
// when logging out.
const maxIDLength = 8192

// NewRecordID generates a new random record identifier.
func NewRecordID() string {
	return uuid.NewString()
}

// NewTokenID generates the unique identifier embedded in issued access tokens.
func NewTokenID() string {
	return uuid.NewString()
}

// ValidateRecordID checks whether id can address a record: non-empty, bounded
// in length, and free of path separators and control characters.
func ValidateRecordID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, c := range id {
		if c == '/' || c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
