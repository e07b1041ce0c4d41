package model

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/oklog/ulid/v2"
)

// leaseTokenBytes is the amount of randomness in a lease token.
const leaseTokenBytes = 16

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewLeaseToken returns an unguessable hex token. ULIDs are not used here
// because their monotonic entropy makes consecutive values predictable.
func NewLeaseToken() (string, error) {
	b := make([]byte, leaseTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
