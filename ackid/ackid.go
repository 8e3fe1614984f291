// Package ackid generates the anonymous acknowledgement identifiers
// described in spec.md 4.J: opaque, unlinkable markers a device
// publishes into a message's ackSet to signal "I have transferred" or
// "I have read" this message, without revealing which device it is.
package ackid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Prefix distinguishes a transfer-ack from a read-ack. Prefixes are
// the only structure an ack id carries; everything else is random.
type Prefix byte

const (
	// Transfer marks "this device has fetched and decrypted the message".
	Transfer Prefix = 'T'
	// Read marks "this device's user has read the message".
	Read Prefix = 'R'
)

// idChars is the number of base64url characters kept from the SHA-256
// digest, per spec.md 4.J: >= 85 bits of entropy, negligible collision
// probability.
const idChars = 15

// New generates a fresh ack id: prefix || first 15 base64url chars of
// SHA-256(microsecond-timestamp || 16-byte CSPRNG). The timestamp adds
// no identity information (it's folded into a one-way hash alongside
// fresh randomness); it exists only to widen the hash input the way
// the reference design specifies.
func New(prefix Prefix) (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("ackid: generate nonce: %w", err)
	}
	return build(prefix, nowMicros(), nonce), nil
}

func build(prefix Prefix, micros int64, nonce [16]byte) string {
	buf := make([]byte, 8+len(nonce))
	binary.BigEndian.PutUint64(buf[:8], uint64(micros))
	copy(buf[8:], nonce[:])

	digest := sha256.Sum256(buf)
	encoded := base64.RawURLEncoding.EncodeToString(digest[:])
	if len(encoded) > idChars {
		encoded = encoded[:idChars]
	}
	return string(prefix) + encoded
}

// PrefixOf returns the Prefix encoded in id, or 0 if id is too short
// to carry one.
func PrefixOf(id string) Prefix {
	if len(id) == 0 {
		return 0
	}
	return Prefix(id[0])
}

// CountByPrefix returns how many members of ackSet carry prefix. This
// is the "everyone has transferred" / "everyone has read" predicate
// primitive described in spec.md 4.J: compare the count to
// len(participants).
func CountByPrefix(ackSet []string, prefix Prefix) int {
	n := 0
	for _, id := range ackSet {
		if PrefixOf(id) == prefix {
			n++
		}
	}
	return n
}

// nowMicros is overridable in tests; production code uses the wall clock.
var nowMicros = defaultNowMicros
