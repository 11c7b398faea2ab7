// Package thread derives conversation identity from domain facts.
//
// A conversation between two users about one listing has no row of its
// own; its identity is a pure function of the participant pair and the
// listing. Both sides derive the same key no matter who messages first,
// so there is no thread-allocation step and no race between concurrent
// first messages.
package thread

import (
	"strings"

	"github.com/google/uuid"
)

// Separator joins the three key components. UUID string forms never
// contain it, so the key parses unambiguously.
const Separator = ":"

// DeriveKey returns the canonical thread key for a conversation between
// userA and userB about the given listing. The two user ids are ordered
// lexicographically before joining, so the result is identical for both
// argument orders.
func DeriveKey(userA, userB uuid.UUID, listingID uuid.UUID) string {
	a, b := userA.String(), userB.String()
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b, listingID.String()}, Separator)
}

// Participants splits a thread key back into its two user ids. It is the
// inverse of DeriveKey for the user components; the listing id occupies
// the final segment.
func Participants(key string) (uuid.UUID, uuid.UUID, bool) {
	parts := strings.Split(key, Separator)
	if len(parts) != 3 {
		return uuid.Nil, uuid.Nil, false
	}
	a, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	b, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return a, b, true
}
