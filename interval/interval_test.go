package interval

import (
	"errors"
	"testing"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/stretchr/testify/require"
)

func TestExtendThenConsumeRoundTrip(t *testing.T) {
	i := Empty("conv1")
	s := i.ExtendSegment(100)
	i2, err := i.Extend(s)
	require.NoError(t, err)
	require.Equal(t, uint64(100), i2.Len())

	back, err := i2.Consume(s)
	require.NoError(t, err)
	require.Equal(t, i, back)
}

func TestExtendRejectsNonAdjacent(t *testing.T) {
	i := FromLength("conv1", 10)
	bad := Interval{ConversationID: "conv1", StartIndex: 5, EndIndex: 15}
	_, err := i.Extend(bad)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrInvalidInterval))
}

func TestConsumeRejectsWrongConversation(t *testing.T) {
	i := FromLength("conv1", 10)
	bad := Interval{ConversationID: "conv2", StartIndex: 0, EndIndex: 5}
	_, err := i.Consume(bad)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrInvalidInterval))
}

func TestConsumeRejectsOverrun(t *testing.T) {
	i := FromLength("conv1", 10)
	bad := Interval{ConversationID: "conv1", StartIndex: 0, EndIndex: 11}
	_, err := i.Consume(bad)
	require.Error(t, err)
}

func TestContainsAndOverlaps(t *testing.T) {
	outer := FromLength("conv1", 100)
	inner := Interval{ConversationID: "conv1", StartIndex: 10, EndIndex: 20}
	require.True(t, outer.Contains(inner))
	require.False(t, inner.Contains(outer))

	disjoint := Interval{ConversationID: "conv1", StartIndex: 200, EndIndex: 210}
	require.False(t, outer.Overlaps(disjoint))

	touching := Interval{ConversationID: "conv1", StartIndex: 50, EndIndex: 150}
	require.True(t, outer.Overlaps(touching))
}

// TestAlgebraLaw checks the property from spec.md §8: (I + S) - S = I.
func TestAlgebraLaw(t *testing.T) {
	i := FromLength("conv1", 50)
	s := i.ExtendSegment(25)
	extended, err := i.Extend(s)
	require.NoError(t, err)

	back, err := extended.Consume(s)
	require.NoError(t, err)
	require.Equal(t, i, back)
}
