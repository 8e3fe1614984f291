package keystore

import (
	"testing"
	"time"

	"github.com/onetimepad/otpcore/keyhistory"
	"github.com/stretchr/testify/require"
)

func TestWriteReadKeyBytesAndTruncate(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.WriteKeyBytes("conv1", []byte("0123456789")))
	got, err := s.ReadKeyBytes("conv1")
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(got))

	require.NoError(t, s.TruncateKeyPrefix("conv1", 4))
	got, err = s.ReadKeyBytes("conv1")
	require.NoError(t, err)
	require.Equal(t, "456789", string(got))

	// truncating n >= len(key.bin) deletes key.bin: spec.md 4.C
	require.NoError(t, s.TruncateKeyPrefix("conv1", 100))
	got, err = s.ReadKeyBytes("conv1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestKeyMetaRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	meta := &KeyMeta{ID: "conv1", PeerIDs: []string{"a", "b"}, CreatedAt: time.Now().UTC().Truncate(time.Second), NextAvailableByte: 48}
	require.NoError(t, s.WriteKeyMeta("conv1", meta))

	got, exists, err := s.ReadKeyMeta("conv1")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, meta.ID, got.ID)
	require.Equal(t, meta.PeerIDs, got.PeerIDs)
	require.Equal(t, meta.NextAvailableByte, got.NextAvailableByte)
}

func TestHistoryRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	h := keyhistory.New("conv1")
	seg := h.Current().ExtendSegment(10)
	_, err = h.RecordExtension(seg, "kex", "k1")
	require.NoError(t, err)

	require.NoError(t, s.WriteHistory("conv1", h))
	got, exists, err := s.ReadHistory("conv1")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, uint64(10), got.Current().Len())
}

func TestMessageRoundTripAndHasMessage(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	has, err := s.HasMessage("conv1", "msg1")
	require.NoError(t, err)
	require.False(t, has)

	msg := &LocalMessage{ID: "msg1", ConvID: "conv1", SenderID: "peer-a", TextContent: "hi", KeySegmentStart: 0, KeySegmentEnd: 10}
	require.NoError(t, s.WriteMessage(msg))

	has, err = s.HasMessage("conv1", "msg1")
	require.NoError(t, err)
	require.True(t, has)

	got, exists, err := s.ReadMessage("conv1", "msg1")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "hi", got.TextContent)

	ids, err := s.ListMessageIDs("conv1")
	require.NoError(t, err)
	require.Equal(t, []string{"msg1"}, ids)
}

func TestAcksAndReadMessages(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordAck("conv1", "msg1", "T-abc"))
	acks, err := s.ReadAcks("conv1")
	require.NoError(t, err)
	require.Equal(t, "T-abc", acks["msg1"])

	require.NoError(t, s.MarkRead("conv1", "msg1"))
	require.NoError(t, s.MarkRead("conv1", "msg1")) // idempotent
	rm, err := s.ReadReadMessages("conv1")
	require.NoError(t, err)
	require.Equal(t, ReadMessages{"msg1"}, rm)
}

func TestRoster(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.AddToRoster("conv1", []string{"a", "b"}))
	require.NoError(t, s.AddToRoster("conv2", []string{"a", "c"}))
	require.NoError(t, s.AddToRoster("conv1", []string{"a", "b", "d"})) // upsert

	r, err := s.ReadRoster()
	require.NoError(t, err)
	require.Len(t, r.Entries, 2)
}
