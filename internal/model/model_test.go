package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInsertIdempotent(t *testing.T) {
	c := NewConversation("conv-1", []DID{"did:a", "did:b"})
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := DecryptedMessage{CreatedAt: ts, CreatorDID: "did:a", Plaintext: "hi"}

	k1 := c.Insert(m)
	k2 := c.Insert(m)

	require.Equal(t, k1, k2)
	require.Len(t, c.Messages, 1)
}

func TestInsertDisambiguatesSameTimestamp(t *testing.T) {
	c := NewConversation("conv-1", []DID{"did:a", "did:b"})
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m1 := DecryptedMessage{CreatedAt: ts, CreatorDID: "did:a", Plaintext: "first"}
	m2 := DecryptedMessage{CreatedAt: ts, CreatorDID: "did:a", Plaintext: "second"}

	k1 := c.Insert(m1)
	k2 := c.Insert(m2)

	require.Equal(t, 0, k1.Count)
	require.Equal(t, 1, k2.Count)
	require.Len(t, c.Messages, 2)
	require.Equal(t, m1, c.Messages[k1])
	require.Equal(t, m2, c.Messages[k2])
}

func TestCanonicalizeParticipantsSortsAndDedupes(t *testing.T) {
	in := []DID{"did:b", "did:a", "did:b", "did:c"}
	out := CanonicalizeParticipants(in)
	require.Equal(t, []DID{"did:a", "did:b", "did:c"}, out)
}

func TestParticipantsKeyStableUnderPermutation(t *testing.T) {
	a := []DID{"did:b", "did:a", "did:c"}
	b := []DID{"did:c", "did:b", "did:a"}
	require.Equal(t, ParticipantsKey(a), ParticipantsKey(b))
}

func TestSortedKeysOrdering(t *testing.T) {
	c := NewConversation("conv-1", []DID{"did:a"})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	c.Insert(DecryptedMessage{CreatedAt: t1, Plaintext: "later"})
	c.Insert(DecryptedMessage{CreatedAt: t0, Plaintext: "earlier"})
	c.Insert(DecryptedMessage{CreatedAt: t0, Plaintext: "earlier-dup"})

	keys := c.SortedKeys()
	require.Len(t, keys, 3)
	require.True(t, keys[0].CreatedAt.Equal(t0))
	require.Equal(t, 0, keys[0].Count)
	require.True(t, keys[1].CreatedAt.Equal(t0))
	require.Equal(t, 1, keys[1].Count)
	require.True(t, keys[2].CreatedAt.Equal(t1))
}
