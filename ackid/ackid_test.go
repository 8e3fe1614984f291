package ackid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProducesDistinctIDsWithPrefix(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := New(Transfer)
		require.NoError(t, err)
		require.Equal(t, Transfer, PrefixOf(id))
		require.False(t, seen[id], "ack id %q collided", id)
		seen[id] = true
	}
}

func TestReadAndTransferPrefixesDiffer(t *testing.T) {
	t1, err := New(Transfer)
	require.NoError(t, err)
	r1, err := New(Read)
	require.NoError(t, err)
	require.NotEqual(t, PrefixOf(t1), PrefixOf(r1))
}

func TestCountByPrefix(t *testing.T) {
	set := []string{}
	for i := 0; i < 3; i++ {
		id, err := New(Transfer)
		require.NoError(t, err)
		set = append(set, id)
	}
	id, err := New(Read)
	require.NoError(t, err)
	set = append(set, id)

	require.Equal(t, 3, CountByPrefix(set, Transfer))
	require.Equal(t, 1, CountByPrefix(set, Read))
}

// TestAckSetAnonymity is the property test from spec.md §8: no two ack
// ids generated on one device share a prefix longer than the defined
// T/R tag (i.e. the random body never collides across a reasonably
// sized sample).
func TestAckSetAnonymity(t *testing.T) {
	bodies := map[string]bool{}
	for i := 0; i < 500; i++ {
		id, err := New(Transfer)
		require.NoError(t, err)
		body := id[1:]
		require.False(t, bodies[body], "ack id body %q collided", body)
		bodies[body] = true
	}
}
