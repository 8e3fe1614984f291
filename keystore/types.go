// Package keystore implements the Local Storage component of
// spec.md 4.C: a byte-precise keystream file plus JSON sidecars for
// metadata, history, messages, acks, and the read-set, all under one
// directory per conversation. Every write is atomic (tmp file, fsync,
// rename); truncateKeyPrefix rewrites the keystream file without its
// first n bytes through the same atomic path.
package keystore

import "time"

// KeyMeta is key_meta.json: spec.md §6.
type KeyMeta struct {
	ID                string    `codec:"id"`
	PeerIDs           []string  `codec:"peerIds"`
	CreatedAt         time.Time `codec:"createdAt"`
	NextAvailableByte uint64    `codec:"nextAvailableByte"`
}

// ContentType mirrors otp.ContentType without importing the otp
// package, so keystore has no dependency on the codec package used
// over the wire; pipeline translates between the two.
type ContentType uint8

const (
	Text ContentType = iota
	Image
	File
)

// LocalMessage is one messages/{messageId}.json sidecar: spec.md §3.
// Corrupted is the supplement from SPEC_FULL.md §4: a message whose
// envelope failed to parse after decryption is kept locally, flagged,
// and never acked.
type LocalMessage struct {
	ID              string      `codec:"id"`
	ConvID          string      `codec:"convId"`
	SenderID        string      `codec:"senderId"`
	CreatedAt       time.Time   `codec:"createdAt"`
	ContentType     ContentType `codec:"contentType"`
	TextContent     string      `codec:"textContent,omitempty"`
	BinaryContent   []byte      `codec:"binaryContent,omitempty"`
	FileName        string      `codec:"fileName,omitempty"`
	MimeType        string      `codec:"mimeType,omitempty"`
	KeySegmentStart uint64      `codec:"keySegmentStart"`
	KeySegmentEnd   uint64      `codec:"keySegmentEnd"`
	ExistsInCloud   bool        `codec:"existsInCloud"`
	HasCloudContent bool        `codec:"hasCloudContent"`
	AllRead         bool        `codec:"allRead"`
	MyTransferAckID string      `codec:"myTransferAckId,omitempty"`
	MyReadAckID     string      `codec:"myReadAckId,omitempty"`
	Corrupted       bool        `codec:"corrupted"`
}

// Acks is acks.json: messageId -> this device's own ack id, kept so a
// device can recognize its own anonymous ack in a message's public
// ackSet without any identity ever touching the wire.
type Acks map[string]string

// ReadMessages is read_messages.json: the list of locally-read message ids.
type ReadMessages []string

// RosterEntry is one conversation this device participates in,
// cached locally so the Message Coordinator's startup subscription
// list (spec.md 4.K) doesn't depend on a round-trip to the shared
// store being the very first thing that succeeds. The shared store's
// conversations/{id} document remains authoritative; this is a boot
// cache only (SPEC_FULL.md §4 supplement).
type RosterEntry struct {
	ConversationID string   `codec:"conversationId"`
	PeerIDs        []string `codec:"peerIds"`
}

// Roster is conversations.json.
type Roster struct {
	Entries []RosterEntry `codec:"entries"`
}
