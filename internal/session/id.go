package session

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random 128-bit identifier (a version 4 UUID) rendered as
// 32 lowercase hex digits.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
