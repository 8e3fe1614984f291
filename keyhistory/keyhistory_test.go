package keyhistory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordExtensionThenConsumption(t *testing.T) {
	h := New("conv1")

	seg := h.Current().ExtendSegment(1024)
	_, err := h.RecordExtension(seg, "kex", "kex-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1024), h.Current().Len())

	cseg := h.Current().ConsumeSegment(48)
	_, err = h.RecordConsumption(cseg, "send", "msg-1")
	require.NoError(t, err)
	require.NoError(t, h.Validate(48))
}

func TestRecordConsumptionRejectsNonPrefix(t *testing.T) {
	h := New("conv1")
	seg := h.Current().ExtendSegment(1024)
	_, err := h.RecordExtension(seg, "kex", "kex-1")
	require.NoError(t, err)

	// attempt to consume from the middle rather than the start
	bad := h.Current()
	bad.StartIndex = 10
	_, err = h.RecordConsumption(bad, "send", "msg-1")
	require.Error(t, err)
}

func TestValidateDetectsMismatchedNextAvailableByte(t *testing.T) {
	h := New("conv1")
	seg := h.Current().ExtendSegment(1024)
	_, err := h.RecordExtension(seg, "kex", "kex-1")
	require.NoError(t, err)
	cseg := h.Current().ConsumeSegment(48)
	_, err = h.RecordConsumption(cseg, "send", "msg-1")
	require.NoError(t, err)

	require.Error(t, h.Validate(100))
	require.NoError(t, h.Validate(48))
}

func TestFormatProducesOneLinePerOp(t *testing.T) {
	h := New("conv1")
	seg := h.Current().ExtendSegment(10)
	_, err := h.RecordExtension(seg, "kex", "kex-1")
	require.NoError(t, err)
	out := h.Format()
	require.Contains(t, out, "key =")
	require.Contains(t, out, "by kex")
}
