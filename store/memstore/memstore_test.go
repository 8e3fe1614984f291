package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/onetimepad/otpcore/store"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetMessage(t *testing.T) {
	s := New()
	ctx := context.Background()

	msg := &store.EncryptedMessage{ConvID: "c1", KeySegmentStart: 0, KeySegmentEnd: 48, Ciphertext: []byte("x"), AckSet: nil}
	require.NoError(t, s.PutMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "c1", msg.ID())
	require.NoError(t, err)
	require.Equal(t, msg.Ciphertext, got.Ciphertext)
	require.False(t, got.ServerTimestamp.IsZero())
}

func TestTxnMessageUnionsAckSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg := &store.EncryptedMessage{ConvID: "c1", KeySegmentStart: 0, KeySegmentEnd: 10, Ciphertext: []byte("x")}
	require.NoError(t, s.PutMessage(ctx, msg))

	err := s.TxnMessage(ctx, "c1", msg.ID(), func(m *store.EncryptedMessage) (*store.EncryptedMessage, error) {
		m.AckSet = append(m.AckSet, "T-abc")
		return m, nil
	})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "c1", msg.ID())
	require.NoError(t, err)
	require.Equal(t, []string{"T-abc"}, got.AckSet)
}

func TestTxnMessageDeleteOnNilReturn(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg := &store.EncryptedMessage{ConvID: "c1", KeySegmentStart: 0, KeySegmentEnd: 10}
	require.NoError(t, s.PutMessage(ctx, msg))

	err := s.TxnMessage(ctx, "c1", msg.ID(), func(m *store.EncryptedMessage) (*store.EncryptedMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "c1", msg.ID())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStreamMessagesReplaysExistingThenNew(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &store.EncryptedMessage{ConvID: "c1", KeySegmentStart: 0, KeySegmentEnd: 5}
	require.NoError(t, s.PutMessage(ctx, first))

	events, unsub, err := s.StreamMessages(ctx, "c1")
	require.NoError(t, err)
	defer unsub()

	select {
	case ev := <-events:
		require.Equal(t, first.ID(), ev.Message.ID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed snapshot")
	}

	second := &store.EncryptedMessage{ConvID: "c1", KeySegmentStart: 5, KeySegmentEnd: 10}
	require.NoError(t, s.PutMessage(ctx, second))

	select {
	case ev := <-events:
		require.Equal(t, second.ID(), ev.Message.ID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestTxnLockCreateHoldAndRelease(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.TxnLock(ctx, "c1", func(l *store.Lock) (*store.Lock, error) {
		require.Nil(t, l)
		return &store.Lock{LockerID: "u1", CreatedAt: time.Now()}, nil
	})
	require.NoError(t, err)

	err = s.TxnLock(ctx, "c1", func(l *store.Lock) (*store.Lock, error) {
		require.NotNil(t, l)
		require.Equal(t, "u1", l.LockerID)
		return l, nil // refuse to steal: lock held
	})
	require.NoError(t, err)

	err = s.TxnLock(ctx, "c1", func(l *store.Lock) (*store.Lock, error) {
		return nil, nil // release
	})
	require.NoError(t, err)

	err = s.TxnLock(ctx, "c1", func(l *store.Lock) (*store.Lock, error) {
		require.Nil(t, l)
		return nil, nil
	})
	require.NoError(t, err)
}
