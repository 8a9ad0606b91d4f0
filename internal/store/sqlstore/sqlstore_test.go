package sqlstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bmail.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestRecipientActiveTimeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.RecipientActiveTime("conv-1", "did:a")
	require.False(t, ok)

	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetRecipientActiveTime("conv-1", "did:a", ts))

	got, ok := s.RecipientActiveTime("conv-1", "did:a")
	require.True(t, ok)
	require.True(t, got.Equal(ts))
}

func TestRCMapCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.LookupRCMapEntry("did:me", "did:a\x00did:b")
	require.False(t, ok)

	require.NoError(t, s.CacheRCMapEntry("did:me", "did:a\x00did:b", "conv-1"))

	id, ok := s.LookupRCMapEntry("did:me", "did:a\x00did:b")
	require.True(t, ok)
	require.Equal(t, "conv-1", id)
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.GetKV("firehose_cursor")
	require.False(t, ok)

	require.NoError(t, s.SetKV("firehose_cursor", "42"))
	v, ok := s.GetKV("firehose_cursor")
	require.True(t, ok)
	require.Equal(t, "42", v)
}

func TestWriteAuditLog(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteAuditLog("send", "conv-1"))
}
