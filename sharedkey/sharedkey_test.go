package sharedkey

import (
	"testing"

	"github.com/onetimepad/otpcore/keyhistory"
	"github.com/stretchr/testify/require"
)

func TestNewMigratesEmptyHistory(t *testing.T) {
	sk, err := New("conv1", []byte("0123456789"), []string{"b", "a"}, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	require.Equal(t, []string{"a", "b"}, sk.PeerIDs)
	require.Len(t, sk.History.Operations, 1)
	require.Equal(t, keyhistory.Extension, sk.History.Operations[0].Kind)
	require.Equal(t, uint64(10), sk.Len())
	require.NoError(t, sk.ValidateState())
}

func TestNewWithPriorHistoryIsNotMigrated(t *testing.T) {
	h := keyhistory.New("conv1")
	_, err := h.RecordExtension(h.Current().ExtendSegment(5), "kex", "k1")
	require.NoError(t, err)

	sk, err := New("conv1", []byte("abcde"), nil, h, 0)
	require.NoError(t, err)
	defer sk.Close()

	require.Len(t, sk.History.Operations, 1)
	require.Equal(t, "k1", sk.History.Operations[0].RefID)
}

func TestFindAvailableSegmentByBytes(t *testing.T) {
	sk, err := New("conv1", []byte("0123456789"), nil, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	seg, ok := sk.FindAvailableSegmentByBytes(4)
	require.True(t, ok)
	require.Equal(t, uint64(0), seg.StartIndex)
	require.Equal(t, uint64(4), seg.EndIndex)

	_, ok = sk.FindAvailableSegmentByBytes(11)
	require.False(t, ok)
}

func TestExtractKeyBytesBounds(t *testing.T) {
	sk, err := New("conv1", []byte("0123456789"), nil, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	got, err := sk.ExtractKeyBytes(2, 3)
	require.NoError(t, err)
	require.Equal(t, "234", string(got))

	_, err = sk.ExtractKeyBytes(8, 5)
	require.Error(t, err)
}

func TestMarkBytesAsUsedAdvancesAndShrinks(t *testing.T) {
	sk, err := New("conv1", []byte("0123456789"), nil, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	require.NoError(t, sk.MarkBytesAsUsed(0, 4, "message", "msg1"))
	require.Equal(t, uint64(4), sk.NextAvailableByte)
	require.Equal(t, uint64(6), sk.Len())
	require.Equal(t, "456789", string(sk.Bytes()))
	require.NoError(t, sk.ValidateState())

	require.NoError(t, sk.MarkBytesAsUsed(4, 10, "message", "msg2"))
	require.Equal(t, uint64(10), sk.NextAvailableByte)
	require.Equal(t, uint64(0), sk.Len())
	require.NoError(t, sk.ValidateState())
}

func TestMarkBytesAsUsedRejectsInvertedRange(t *testing.T) {
	sk, err := New("conv1", []byte("0123456789"), nil, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	err = sk.MarkBytesAsUsed(5, 2, "message", "msg1")
	require.Error(t, err)
}

func TestExtendReturnsNewSharedKeyAndLeavesReceiverUntouched(t *testing.T) {
	sk, err := New("conv1", []byte("01234"), nil, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	extended, err := sk.Extend([]byte("56789"), "kex-1")
	require.NoError(t, err)
	defer extended.Close()

	require.Equal(t, uint64(5), sk.Len())
	require.Equal(t, "01234", string(sk.Bytes()))

	require.Equal(t, uint64(10), extended.Len())
	require.Equal(t, "0123456789", string(extended.Bytes()))
	require.NoError(t, extended.ValidateState())

	last := extended.History.Operations[len(extended.History.Operations)-1]
	require.Equal(t, keyhistory.Extension, last.Kind)
	require.Equal(t, "kex-1", last.RefID)
}

func TestValidateStateDetectsMismatch(t *testing.T) {
	sk, err := New("conv1", []byte("0123456789"), nil, nil, 0)
	require.NoError(t, err)
	defer sk.Close()

	require.NoError(t, sk.MarkBytesAsUsed(0, 4, "message", "msg1"))

	sk.NextAvailableByte = 0 // corrupt the frontier without replaying history
	require.Error(t, sk.ValidateState())
}
