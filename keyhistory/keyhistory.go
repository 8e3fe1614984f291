// Package keyhistory implements the append-only operation log that
// backs every conversation's key: spec.md §3/4.B. Every mutation to a
// conversation's key interval is recorded as an Operation before it is
// applied, so the current interval is always reconstructible as
// last(history).After, and the consumption prefix can be replayed and
// validated independently of the bytes on disk.
package keyhistory

import (
	"fmt"
	"time"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/interval"
)

// Kind distinguishes the two operation varieties an Operation can record.
type Kind string

const (
	// Extension records fresh key bytes arriving from a KEX session.
	Extension Kind = "extension"
	// Consumption records key bytes being spent on a message.
	Consumption Kind = "consumption"
)

// Operation is one immutable entry in a KeyHistory.
type Operation struct {
	Timestamp time.Time        `codec:"timestamp"`
	Kind      Kind             `codec:"kind"`
	Segment   interval.Interval `codec:"segment"`
	Before    interval.Interval `codec:"before"`
	After     interval.Interval `codec:"after"`
	Reason    string           `codec:"reason"`
	RefID     string           `codec:"refId,omitempty"`
}

// KeyHistory is the ordered, append-only log of Operations for one
// conversation.
type KeyHistory struct {
	ConversationID string      `codec:"conversationId"`
	Operations     []Operation `codec:"operations"`
}

// New returns an empty history for convID.
func New(convID string) *KeyHistory {
	return &KeyHistory{ConversationID: convID}
}

// Current returns the interval described by the last recorded
// operation, or the empty interval if none have been recorded.
func (h *KeyHistory) Current() interval.Interval {
	if len(h.Operations) == 0 {
		return interval.Empty(h.ConversationID)
	}
	return h.Operations[len(h.Operations)-1].After
}

// RecordExtension appends an Extension operation for segment, which
// must start exactly where the current interval ends. kexID, when
// non-empty, is stored as the operation's RefID.
func (h *KeyHistory) RecordExtension(segment interval.Interval, reason, kexID string) (Operation, error) {
	before := h.Current()
	after, err := before.Extend(segment)
	if err != nil {
		return Operation{}, fmt.Errorf("record extension: %w", err)
	}
	op := Operation{
		Timestamp: time.Now(),
		Kind:      Extension,
		Segment:   segment,
		Before:    before,
		After:     after,
		Reason:    reason,
		RefID:     kexID,
	}
	h.Operations = append(h.Operations, op)
	return op, nil
}

// RecordConsumption appends a Consumption operation for segment, which
// must start exactly where the current interval starts. messageID,
// when non-empty, is stored as the operation's RefID.
func (h *KeyHistory) RecordConsumption(segment interval.Interval, reason, messageID string) (Operation, error) {
	before := h.Current()
	after, err := before.Consume(segment)
	if err != nil {
		return Operation{}, fmt.Errorf("record consumption: %w", err)
	}
	op := Operation{
		Timestamp: time.Now(),
		Kind:      Consumption,
		Segment:   segment,
		Before:    before,
		After:     after,
		Reason:    reason,
		RefID:     messageID,
	}
	h.Operations = append(h.Operations, op)
	return op, nil
}

// Validate walks the log and checks the invariants from spec.md §4.B:
// consecutive operations chain (opN.Before == opN-1.After), consumption
// segments form a contiguous prefix from 0 with no gaps or overlaps,
// and the total consumed length equals nextAvailableByte.
func (h *KeyHistory) Validate(nextAvailableByte uint64) error {
	var prevAfter *interval.Interval
	var consumedSoFar uint64
	for idx, op := range h.Operations {
		if prevAfter != nil && op.Before != *prevAfter {
			return fmt.Errorf("keyhistory: %w: op %d: before %v does not chain from previous after %v", coreerr.ErrKeyCorrupted, idx, op.Before, *prevAfter)
		}
		switch op.Kind {
		case Consumption:
			if op.Segment.StartIndex != consumedSoFar {
				return fmt.Errorf("keyhistory: %w: op %d: consumption segment starts at %d, expected contiguous prefix at %d", coreerr.ErrKeyCorrupted, idx, op.Segment.StartIndex, consumedSoFar)
			}
			consumedSoFar = op.Segment.EndIndex
		case Extension:
			// extensions only grow the tail; nothing to check against
			// the consumption prefix.
		default:
			return fmt.Errorf("keyhistory: %w: op %d: unknown kind %q", coreerr.ErrKeyCorrupted, idx, op.Kind)
		}
		after := op.After
		prevAfter = &after
	}
	if consumedSoFar != nextAvailableByte {
		return fmt.Errorf("keyhistory: %w: consumed total %d != nextAvailableByte %d", coreerr.ErrKeyCorrupted, consumedSoFar, nextAvailableByte)
	}
	return nil
}

// Clone returns a deep copy of h so a caller (SharedKey.Extend) can
// produce a new history without aliasing the original's slice.
func (h *KeyHistory) Clone() *KeyHistory {
	cp := &KeyHistory{ConversationID: h.ConversationID}
	cp.Operations = append(cp.Operations, h.Operations...)
	return cp
}

// AppendMigratedExtension seeds an otherwise-empty history with a
// single synthetic Extension operation spanning [start, end), used by
// SharedKey's constructor when bytes already exist on disk but no
// history was recorded for them (spec.md 4.D: "if history is empty but
// bytes are non-empty, a synthetic migrated extension op is
// inserted"). It is only valid to call this on a history with no
// operations yet.
func (h *KeyHistory) AppendMigratedExtension(start, end uint64, reason string) (Operation, error) {
	if len(h.Operations) != 0 {
		return Operation{}, fmt.Errorf("keyhistory: AppendMigratedExtension requires an empty history")
	}
	before := interval.Interval{ConversationID: h.ConversationID, StartIndex: start, EndIndex: start}
	after := interval.Interval{ConversationID: h.ConversationID, StartIndex: start, EndIndex: end}
	op := Operation{
		Timestamp: time.Now(),
		Kind:      Extension,
		Segment:   after,
		Before:    before,
		After:     after,
		Reason:    reason,
	}
	h.Operations = append(h.Operations, op)
	return op, nil
}

// Format renders the log as the observable debugging contract from
// spec.md §4.B: one line per operation, "t_i : key = [s,e) <op> [a,b) by <reason>".
func (h *KeyHistory) Format() string {
	out := ""
	for _, op := range h.Operations {
		verb := "+"
		if op.Kind == Consumption {
			verb = "-"
		}
		out += fmt.Sprintf("%s : key = %s %s %s by %s\n",
			op.Timestamp.Format(time.RFC3339Nano), op.Before, verb, op.Segment, op.Reason)
	}
	return out
}
