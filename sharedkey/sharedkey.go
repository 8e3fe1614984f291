// Package sharedkey implements the in-memory SharedKey domain object
// of spec.md 4.D: the live view of a conversation's keystream, its
// next-available-byte frontier, and its history. The unconsumed
// keystream bytes are held in an awnumar/memguard LockedBuffer rather
// than a plain []byte — directly grounded in the reference ratchet's
// use of memguard for its own chain/header keys — so that unconsumed
// OTP key material, the one thing this whole system exists to
// protect, never lingers in a core dump or gets paged to swap.
package sharedkey

import (
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/interval"
	"github.com/onetimepad/otpcore/keyhistory"
)

// SharedKey is the in-memory view described in spec.md §3/4.D.
type SharedKey struct {
	ID                string
	PeerIDs           []string
	CreatedAt         time.Time
	History           *keyhistory.KeyHistory
	NextAvailableByte uint64

	buf *memguard.LockedBuffer
}

func sortedCopy(peerIDs []string) []string {
	out := append([]string(nil), peerIDs...)
	sort.Strings(out)
	return out
}

// New constructs a SharedKey from bytes currently on disk. If history
// is empty but bytes is non-empty, a synthetic "migrated" extension is
// recorded spanning [nextAvailableByte, nextAvailableByte+len(bytes))
// so the algebra stays closed (spec.md 4.D). bytes is consumed (wiped)
// by this call, mirroring memguard.NewBufferFromBytes' ownership
// transfer.
func New(id string, bytes []byte, peerIDs []string, history *keyhistory.KeyHistory, nextAvailableByte uint64) (*SharedKey, error) {
	if history == nil {
		history = keyhistory.New(id)
	}
	if len(history.Operations) == 0 && len(bytes) > 0 {
		if _, err := history.AppendMigratedExtension(nextAvailableByte, nextAvailableByte+uint64(len(bytes)), "migrated"); err != nil {
			return nil, fmt.Errorf("sharedkey: %w", err)
		}
	}
	var buf *memguard.LockedBuffer
	if len(bytes) > 0 {
		buf = memguard.NewBufferFromBytes(bytes)
	} else {
		buf = memguard.NewBuffer(0)
	}
	return &SharedKey{
		ID:                id,
		PeerIDs:           sortedCopy(peerIDs),
		CreatedAt:         time.Now(),
		History:           history,
		NextAvailableByte: nextAvailableByte,
		buf:               buf,
	}, nil
}

// Len returns the number of currently-available (unconsumed) bytes
// held in memory.
func (k *SharedKey) Len() uint64 {
	return uint64(len(k.buf.Bytes()))
}

// Interval returns the current available interval
// [nextAvailableByte, nextAvailableByte+len).
func (k *SharedKey) Interval() interval.Interval {
	return interval.Interval{ConversationID: k.ID, StartIndex: k.NextAvailableByte, EndIndex: k.NextAvailableByte + k.Len()}
}

// FindAvailableSegmentByBytes returns [nextAvailableByte,
// nextAvailableByte+n) iff n is at most the number of available bytes.
func (k *SharedKey) FindAvailableSegmentByBytes(n uint64) (interval.Interval, bool) {
	if n > k.Len() {
		return interval.Interval{}, false
	}
	return interval.Interval{ConversationID: k.ID, StartIndex: k.NextAvailableByte, EndIndex: k.NextAvailableByte + n}, true
}

// ExtractKeyBytes returns a copy of the n bytes starting at absolute
// offset absStart. absStart must be >= nextAvailableByte and
// absStart+n must be <= nextAvailableByte+len, else ErrOutOfRange.
func (k *SharedKey) ExtractKeyBytes(absStart, n uint64) ([]byte, error) {
	if absStart < k.NextAvailableByte || absStart+n > k.NextAvailableByte+k.Len() {
		return nil, fmt.Errorf("sharedkey: extract [%d,%d): %w", absStart, absStart+n, coreerr.ErrOutOfRange)
	}
	off := absStart - k.NextAvailableByte
	out := make([]byte, n)
	copy(out, k.buf.Bytes()[off:off+n])
	return out, nil
}

// MarkBytesAsUsed records a consumption operation for [absStart,
// absEnd) and advances nextAvailableByte monotonically. reason and
// messageID are stored on the KeyHistory operation. The in-memory
// buffer is shrunk to match, since "bytes" only ever holds the
// currently-available range (spec.md §3).
func (k *SharedKey) MarkBytesAsUsed(absStart, absEnd uint64, reason, messageID string) error {
	if absEnd < absStart {
		return fmt.Errorf("sharedkey: mark used: %w: end %d < start %d", coreerr.ErrInvalidInterval, absEnd, absStart)
	}
	segment := interval.Interval{ConversationID: k.ID, StartIndex: absStart, EndIndex: absEnd}
	if _, err := k.History.RecordConsumption(segment, reason, messageID); err != nil {
		return fmt.Errorf("sharedkey: mark used: %w", err)
	}

	delta := absEnd - absStart
	remaining := append([]byte(nil), k.buf.Bytes()[delta:]...)
	old := k.buf
	k.buf = memguard.NewBufferFromBytes(remaining)
	old.Destroy()

	k.NextAvailableByte = absEnd
	return nil
}

// Extend returns a NEW SharedKey with additionalBytes appended to the
// available range and a single extension operation recorded against a
// cloned history; the receiver is left untouched (spec.md 4.D: Extend
// "returns a new SharedKey"). The caller owns additionalBytes; Extend
// does not wipe it.
func (k *SharedKey) Extend(additionalBytes []byte, kexID string) (*SharedKey, error) {
	newHistory := k.History.Clone()
	segment := newHistory.Current().ExtendSegment(uint64(len(additionalBytes)))
	if _, err := newHistory.RecordExtension(segment, "kex", kexID); err != nil {
		return nil, fmt.Errorf("sharedkey: extend: %w", err)
	}

	combined := make([]byte, 0, int(k.Len())+len(additionalBytes))
	combined = append(combined, k.buf.Bytes()...)
	combined = append(combined, additionalBytes...)

	return &SharedKey{
		ID:                k.ID,
		PeerIDs:           sortedCopy(k.PeerIDs),
		CreatedAt:         k.CreatedAt,
		History:           newHistory,
		NextAvailableByte: k.NextAvailableByte,
		buf:               memguard.NewBufferFromBytes(combined),
	}, nil
}

// ValidateState reconciles history against nextAvailableByte and
// against the in-memory buffer length (spec.md 4.D).
func (k *SharedKey) ValidateState() error {
	if err := k.History.Validate(k.NextAvailableByte); err != nil {
		return err
	}
	current := k.History.Current()
	if current.StartIndex != k.NextAvailableByte {
		return fmt.Errorf("sharedkey: %w: history start %d != nextAvailableByte %d", coreerr.ErrKeyCorrupted, current.StartIndex, k.NextAvailableByte)
	}
	if current.Len() != k.Len() {
		return fmt.Errorf("sharedkey: %w: history available length %d != buffer length %d", coreerr.ErrKeyCorrupted, current.Len(), k.Len())
	}
	return nil
}

// Bytes returns a copy of the currently-available keystream, for the
// Lifecycle Engine to persist to key.bin. Callers must not retain it
// longer than necessary.
func (k *SharedKey) Bytes() []byte {
	return append([]byte(nil), k.buf.Bytes()...)
}

// Close wipes and releases the in-memory keystream buffer. Callers
// must call Close exactly once they are done with a SharedKey,
// including ones replaced by Extend or MarkBytesAsUsed's internal
// rebuild (which already destroys its own predecessor buffer).
func (k *SharedKey) Close() {
	if k.buf != nil {
		k.buf.Destroy()
	}
}
