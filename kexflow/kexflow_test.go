package kexflow

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/onetimepad/otpcore/config"
	"github.com/onetimepad/otpcore/keystore"
	"github.com/onetimepad/otpcore/lifecycle"
	"github.com/onetimepad/otpcore/localindex"
	"github.com/onetimepad/otpcore/qrpayload"
	"github.com/onetimepad/otpcore/store"
	"github.com/onetimepad/otpcore/store/memstore"
	"github.com/stretchr/testify/require"
)

func TestRunSourceAndRunReaderExchangeAndPersist(t *testing.T) {
	s := memstore.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// RunSource's interval/backoffStep are meant to come straight from
	// config.Config in a host process; scaled down here only so the
	// test doesn't run at the real 600ms/1000ms cadence.
	cfg := config.Default()
	cfg.RotationInterval = 5 * time.Millisecond
	cfg.RotationBackoffStep = 50 * time.Millisecond

	sourceKS, err := keystore.New(t.TempDir(), nil)
	require.NoError(t, err)
	sourceEngine := lifecycle.New(sourceKS, nil)

	readerKS, err := keystore.New(t.TempDir(), nil)
	require.NoError(t, err)
	readerEngine := lifecycle.New(readerKS, nil)

	idx, err := localindex.Open(t.TempDir() + "/index.db")
	require.NoError(t, err)
	defer idx.Close()

	scans := make(chan ScannedSegment, 16)
	display := func(p qrpayload.Payload) {
		keyBytes, err := base64.StdEncoding.DecodeString(p.KeyB64)
		require.NoError(t, err)
		scans <- ScannedSegment{Payload: p, KeyBytes: keyBytes}
	}

	participants := []string{"a", "b"}
	const totalBytes = 4096
	const segmentSize = 1024

	sourceResult := make(chan *resultOrErr, 1)
	readerResult := make(chan *resultOrErr, 1)

	go func() {
		k, err := RunSource(ctx, s, sourceEngine, "conv1", "kex1", "a", participants, totalBytes, segmentSize, cfg.RotationInterval, cfg.RotationBackoffStep, display, false, nil)
		r := &resultOrErr{err: err}
		if err == nil {
			r.bytes = k.Bytes()
			k.Close()
		}
		sourceResult <- r
	}()

	go func() {
		k, err := RunReader(ctx, s, readerEngine, "conv1", "kex1", "b", participants, idx, scans, false, nil)
		r := &resultOrErr{err: err}
		if err == nil {
			r.bytes = k.Bytes()
			k.Close()
		}
		readerResult <- r
	}()

	src := <-sourceResult
	rdr := <-readerResult
	require.NoError(t, src.err)
	require.NoError(t, rdr.err)
	require.Len(t, src.bytes, totalBytes)
	require.Equal(t, src.bytes, rdr.bytes)

	found, err := s.GetKexSession(ctx, "kex1")
	require.NoError(t, err)
	require.Nil(t, found)

	sourceKey, err := sourceEngine.GetKey("conv1")
	require.NoError(t, err)
	defer sourceKey.Close()
	require.Equal(t, uint64(0), sourceKey.NextAvailableByte)

	recorded, err := idx.RecordedSegments("kex1", "b")
	require.NoError(t, err)
	require.Len(t, recorded, totalBytes/segmentSize)
}

type resultOrErr struct {
	bytes []byte
	err   error
}

func TestRunSourceTerminatesEarlyWhenCtxExpires(t *testing.T) {
	s := memstore.New()
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	sourceKS, err := keystore.New(t.TempDir(), nil)
	require.NoError(t, err)
	sourceEngine := lifecycle.New(sourceKS, nil)

	participants := []string{"a", "b"}

	// No reader ever records anything; the source's own receipts are
	// the only ones, so no segment is ever universally received before
	// ctx expires.
	var shown []qrpayload.Payload
	display := func(p qrpayload.Payload) { shown = append(shown, p) }

	k, err := RunSource(ctx, s, sourceEngine, "conv1", "kex1", "a", participants, 4096, 1024, 5*time.Millisecond, time.Second, display, false, nil)
	require.Error(t, err)
	require.Nil(t, k)

	// No prefix was ever universally received, so Finalize refused to
	// build a key and cleanup only cancels the session rather than
	// deleting it outright.
	found, err := s.GetKexSession(context.Background(), "kex1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, store.KexCancelled, found.Status)
}

func TestRunReaderRejectsCancelledSession(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{
		ID: "conv1", PeerIDs: []string{"a", "b"}, State: store.Joining, CreatedAt: s.Now(),
		KeyStatusPerPeer: map[string]store.ByteRange{},
	}))

	readerKS, err := keystore.New(t.TempDir(), nil)
	require.NoError(t, err)
	readerEngine := lifecycle.New(readerKS, nil)

	doc := &store.KexSessionDoc{
		ID: "kex1", SourceID: "a", Participants: []string{"a", "b"},
		SegmentsByPeer: map[string][]uint32{}, TotalSegments: 4, TotalKeyBytes: 4096,
		Status: store.KexWaiting, CreatedAt: s.Now(), UpdatedAt: s.Now(),
	}
	require.NoError(t, s.CreateKexSession(ctx, doc))
	require.NoError(t, s.TxnKexSession(ctx, "kex1", func(d *store.KexSessionDoc) (*store.KexSessionDoc, error) {
		d.Status = store.KexCancelled
		return d, nil
	}))

	scans := make(chan ScannedSegment)
	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	k, err := RunReader(runCtx, s, readerEngine, "conv1", "kex1", "b", []string{"a", "b"}, nil, scans, false, nil)
	require.Error(t, err)
	require.Nil(t, k)
}
