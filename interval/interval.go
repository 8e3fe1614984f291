// Package interval implements the half-open byte-range algebra that
// every other component in this module builds on: a conversation's
// key material is always described as an Interval [StartIndex,
// EndIndex) tagged with the conversation it belongs to, and the only
// two ways to change one are to extend it at the tail or consume a
// prefix from the head.
package interval

import (
	"fmt"

	"github.com/onetimepad/otpcore/coreerr"
)

// Interval is a half-open byte range [StartIndex, EndIndex) scoped to
// one conversation. The zero value is not a valid Interval; construct
// one with Empty or FromLength.
type Interval struct {
	ConversationID string
	StartIndex     uint64
	EndIndex       uint64
}

// Empty returns the zero-length interval [0,0) for convID.
func Empty(convID string) Interval {
	return Interval{ConversationID: convID}
}

// FromLength returns [0, n) for convID.
func FromLength(convID string, n uint64) Interval {
	return Interval{ConversationID: convID, StartIndex: 0, EndIndex: n}
}

// Len returns EndIndex - StartIndex.
func (i Interval) Len() uint64 {
	if i.EndIndex < i.StartIndex {
		return 0
	}
	return i.EndIndex - i.StartIndex
}

// valid reports whether the interval itself is well formed
// (StartIndex <= EndIndex).
func (i Interval) valid() bool {
	return i.StartIndex <= i.EndIndex
}

func mismatch(op string, a, b Interval) error {
	return fmt.Errorf("%s: %w: conversation %q vs %q", op, coreerr.ErrInvalidInterval, a.ConversationID, b.ConversationID)
}

// Extend returns i + s: s must be adjacent to i's tail
// (s.StartIndex == i.EndIndex). The result carries i's conversation id.
func (i Interval) Extend(s Interval) (Interval, error) {
	if i.ConversationID != s.ConversationID {
		return Interval{}, mismatch("extend", i, s)
	}
	if !i.valid() || !s.valid() {
		return Interval{}, fmt.Errorf("extend: %w: malformed operand", coreerr.ErrInvalidInterval)
	}
	if s.StartIndex != i.EndIndex {
		return Interval{}, fmt.Errorf("extend: %w: s.start %d != i.end %d", coreerr.ErrInvalidInterval, s.StartIndex, i.EndIndex)
	}
	return Interval{ConversationID: i.ConversationID, StartIndex: i.StartIndex, EndIndex: s.EndIndex}, nil
}

// Consume returns i - s: s must start where i starts and must not run
// past i's end (s.StartIndex == i.StartIndex, s.EndIndex <= i.EndIndex).
// The result is the remaining tail [s.EndIndex, i.EndIndex).
func (i Interval) Consume(s Interval) (Interval, error) {
	if i.ConversationID != s.ConversationID {
		return Interval{}, mismatch("consume", i, s)
	}
	if !i.valid() || !s.valid() {
		return Interval{}, fmt.Errorf("consume: %w: malformed operand", coreerr.ErrInvalidInterval)
	}
	if s.StartIndex != i.StartIndex {
		return Interval{}, fmt.Errorf("consume: %w: s.start %d != i.start %d", coreerr.ErrInvalidInterval, s.StartIndex, i.StartIndex)
	}
	if s.EndIndex > i.EndIndex {
		return Interval{}, fmt.Errorf("consume: %w: s.end %d > i.end %d", coreerr.ErrInvalidInterval, s.EndIndex, i.EndIndex)
	}
	return Interval{ConversationID: i.ConversationID, StartIndex: s.EndIndex, EndIndex: i.EndIndex}, nil
}

// ConsumeSegment returns the segment [i.StartIndex, i.StartIndex+n)
// representing "consume the next n bytes of i", without applying it.
// Callers pass the result to Consume.
func (i Interval) ConsumeSegment(n uint64) Interval {
	return Interval{ConversationID: i.ConversationID, StartIndex: i.StartIndex, EndIndex: i.StartIndex + n}
}

// ExtendSegment returns the segment [i.EndIndex, i.EndIndex+n)
// representing "extend i by n fresh bytes", without applying it.
// Callers pass the result to Extend.
func (i Interval) ExtendSegment(n uint64) Interval {
	return Interval{ConversationID: i.ConversationID, StartIndex: i.EndIndex, EndIndex: i.EndIndex + n}
}

// Contains reports whether other lies entirely within i (same
// conversation, other.StartIndex >= i.StartIndex, other.EndIndex <=
// i.EndIndex).
func (i Interval) Contains(other Interval) bool {
	if i.ConversationID != other.ConversationID {
		return false
	}
	return other.StartIndex >= i.StartIndex && other.EndIndex <= i.EndIndex
}

// Overlaps reports whether i and other (same conversation) share any byte.
func (i Interval) Overlaps(other Interval) bool {
	if i.ConversationID != other.ConversationID {
		return false
	}
	return i.StartIndex < other.EndIndex && other.StartIndex < i.EndIndex
}

// String renders i as "[s,e)" for use in KeyHistory.Format.
func (i Interval) String() string {
	return fmt.Sprintf("[%d,%d)", i.StartIndex, i.EndIndex)
}
