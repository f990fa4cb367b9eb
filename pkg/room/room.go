// Package room derives the broadcast room shared by exactly two users.
package room

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// prefix is prepended to every room key
const prefix = "chat_"

// ErrMalformedKey is returned when a key was not produced by Resolve
var ErrMalformedKey = errors.New("malformed room key")

// Key identifies the room of one unordered pair of users
type Key string

// Resolve returns the room key for users a and b. The pair is ordered
// before combining, so Resolve(a, b) == Resolve(b, a). Both identifiers
// appear verbatim in the key, which keeps distinct pairs distinct.
func Resolve(a, b int64) Key {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return Key(fmt.Sprintf("%s%d_%d", prefix, lo, hi))
}

// Participants returns the two user IDs encoded in the key, lower first
func (k Key) Participants() (int64, int64, error) {
	rest, ok := strings.CutPrefix(string(k), prefix)
	if !ok {
		return 0, 0, ErrMalformedKey
	}

	// The first id may be negative, so split on the last separator
	sep := strings.LastIndex(rest, "_")
	if sep <= 0 {
		return 0, 0, ErrMalformedKey
	}

	a, err := strconv.ParseInt(rest[:sep], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedKey
	}
	b, err := strconv.ParseInt(rest[sep+1:], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedKey
	}
	return a, b, nil
}

// Includes reports whether userID is one of the two participants of the room
func (k Key) Includes(userID int64) bool {
	a, b, err := k.Participants()
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

// String returns the key as a plain string
func (k Key) String() string {
	return string(k)
}
