package kex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/localindex"
	"github.com/onetimepad/otpcore/qrpayload"
	"github.com/stretchr/testify/require"
)

func TestSourceGenerateAndRotate(t *testing.T) {
	src := NewSource("sess1", "a", 2500, 1024, []string{"a", "b"})

	p1, err := src.GenerateNextSegment()
	require.NoError(t, err)
	require.Equal(t, uint32(0), p1.SegmentIndex)
	require.Equal(t, uint64(0), p1.StartByte)
	require.Equal(t, uint64(1024), p1.EndByte)

	p2, err := src.GenerateNextSegment()
	require.NoError(t, err)
	require.Equal(t, uint32(1), p2.SegmentIndex)

	p3, err := src.GenerateNextSegment()
	require.NoError(t, err)
	require.Equal(t, uint64(2048), p3.StartByte)
	require.Equal(t, uint64(2500), p3.EndByte) // final segment shorter than sigma

	_, err = src.GenerateNextSegment()
	require.Error(t, err)

	require.False(t, src.IsComplete()) // source "has" everything; peers don't yet
}

func TestSourceNextRotationIndexWrapsAndSkipsComplete(t *testing.T) {
	src := NewSource("sess1", "a", 3072, 1024, []string{"a", "b"})
	for i := 0; i < 3; i++ {
		_, err := src.GenerateNextSegment()
		require.NoError(t, err)
	}
	src.RecordPeerReceived("a", 0)
	src.RecordPeerReceived("b", 0)
	src.RecordPeerReceived("a", 1)
	src.RecordPeerReceived("b", 1)

	idx, ok := src.NextRotationIndex(0)
	require.True(t, ok)
	require.Equal(t, 2, idx) // 0 and 1 are universally received, skip to 2

	src.RecordPeerReceived("a", 2)
	src.RecordPeerReceived("b", 2)
	_, ok = src.NextRotationIndex(2)
	require.False(t, ok) // everything received, nothing left to rotate to
}

func TestSourceFinalizeEarlyTermination(t *testing.T) {
	src := NewSource("sess1", "a", 3072, 1024, []string{"a", "b"})
	for i := 0; i < 3; i++ {
		_, err := src.GenerateNextSegment()
		require.NoError(t, err)
	}
	src.RecordPeerReceived("a", 0)
	src.RecordPeerReceived("b", 0)
	src.RecordPeerReceived("a", 1)
	// b never got segment 1

	bytes, effectiveSegments, err := src.Finalize()
	require.NoError(t, err)
	require.Equal(t, 1, effectiveSegments)
	require.Len(t, bytes, 1024)
}

func TestSourceFinalizeNoCompleteSegment(t *testing.T) {
	src := NewSource("sess1", "a", 1024, 1024, []string{"a", "b"})
	_, err := src.GenerateNextSegment()
	require.NoError(t, err)
	// only the source itself has segment 0; no peer has recorded it

	_, _, err = src.Finalize()
	require.ErrorIs(t, err, coreerr.ErrKexNoCompleteSegment)
}

func TestReaderRecordAndBuildSharedKey(t *testing.T) {
	r := NewReader("sess1", "reader-peer", []string{"a", "b"}, nil)

	p0, err := qrpayload.New("sess1", 0, 0, 4, []byte("abcd"))
	require.NoError(t, err)
	_, k0, err := qrpayload.Unmarshal(mustMarshal(t, p0))
	require.NoError(t, err)

	added, err := r.RecordReadSegment(p0, k0)
	require.NoError(t, err)
	require.True(t, added)

	added, err = r.RecordReadSegment(p0, k0)
	require.NoError(t, err)
	require.False(t, added) // idempotent rescan

	p1, err := qrpayload.New("sess1", 1, 4, 8, []byte("efgh"))
	require.NoError(t, err)
	_, k1, err := qrpayload.Unmarshal(mustMarshal(t, p1))
	require.NoError(t, err)
	_, err = r.RecordReadSegment(p1, k1)
	require.NoError(t, err)

	sk, err := BuildSharedKeyFromReader(r, 2, []string{"a", "b"})
	require.NoError(t, err)
	defer sk.Close()
	require.Equal(t, "abcdefgh", string(sk.Bytes()))
}

func mustMarshal(t *testing.T, p qrpayload.Payload) []byte {
	t.Helper()
	data, err := p.Marshal()
	require.NoError(t, err)
	return data
}

func TestReaderRecordReadSegmentPersistsAcrossLocalIndexRestart(t *testing.T) {
	idx, err := localindex.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	p0, err := qrpayload.New("sess1", 0, 0, 4, []byte("abcd"))
	require.NoError(t, err)
	_, k0, err := qrpayload.Unmarshal(mustMarshal(t, p0))
	require.NoError(t, err)

	r1 := NewReader("sess1", "reader-peer", []string{"a", "b"}, idx)
	added, err := r1.RecordReadSegment(p0, k0)
	require.NoError(t, err)
	require.True(t, added)

	// A fresh Reader, as after a process restart, consults the same
	// localIndex and must not re-record the already-scanned index.
	r2 := NewReader("sess1", "reader-peer", []string{"a", "b"}, idx)
	added, err = r2.RecordReadSegment(p0, k0)
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, []int{0}, r2.RecordedIndices())
}

func TestSourceStartRotationCompletesWhenAllReceived(t *testing.T) {
	src := NewSource("sess1", "a", 2048, 1024, []string{"a", "b"})

	var shown []qrpayload.Payload
	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	src.StartRotation(ctx, func(p qrpayload.Payload) {
		shown = append(shown, p)
		src.RecordPeerReceived("a", int(p.SegmentIndex))
		src.RecordPeerReceived("b", int(p.SegmentIndex))
	}, func(err error) { done <- err }, 5*time.Millisecond, 50*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rotation did not complete")
	}
	src.StopRotation()
	require.True(t, src.IsComplete())
	require.GreaterOrEqual(t, len(shown), 2)
}

func TestSourceStartRotationTimesOutWithoutProgress(t *testing.T) {
	src := NewSource("sess1", "a", 1024, 1024, []string{"a", "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	src.StartRotation(ctx, func(qrpayload.Payload) {}, func(err error) { done <- err }, 5*time.Millisecond, time.Second)

	select {
	case err := <-done:
		require.ErrorIs(t, err, coreerr.ErrKexTimeout)
	case <-time.After(time.Second):
		t.Fatal("rotation did not report timeout")
	}
	src.StopRotation()
}
