package atproto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("alice.test", "app-password")
	c.PDSURL = srv.URL
	return c, srv
}

func TestAuthenticateStoresSession(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", Handle: "alice.test", AccessJwt: "jwt-1"})
	})

	require.NoError(t, c.Authenticate(context.Background()))
	require.Equal(t, "did:plc:alice", c.DID())
	require.Equal(t, "alice.test", c.Handle())
}

func TestAuthedGetReauthenticatesOn401(t *testing.T) {
	calls := 0
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			calls++
			_ = json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", Handle: "alice.test", AccessJwt: "jwt-1"})
		case "/xrpc/com.atproto.identity.resolveHandle":
			if r.Header.Get("Authorization") != "Bearer jwt-1" || calls < 2 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(ResolveHandleResponse{DID: "did:plc:bob"})
		}
	})

	require.NoError(t, c.Authenticate(context.Background()))
	did, err := c.ResolveHandle(context.Background(), "bob.test")
	require.NoError(t, err)
	require.Equal(t, "did:plc:bob", did)
}

func TestCreateRecordSendsAuthHeader(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			_ = json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "jwt-1"})
		case "/xrpc/com.atproto.repo.createRecord":
			require.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(CreateRecordResponse{URI: "at://did:plc:alice/actor.profile/self", CID: "cid-1"})
		}
	})

	require.NoError(t, c.Authenticate(context.Background()))
	resp, err := c.CreateRecord(context.Background(), CreateRecordRequest{
		Repo:       "did:plc:alice",
		Collection: ProfileCollection,
		Record:     map[string]string{"hello": "world"},
	})
	require.NoError(t, err)
	require.Equal(t, "cid-1", resp.CID)
}

func TestSubscribeReposURL(t *testing.T) {
	c := NewClient("alice.test", "pw")
	c.PDSURL = "https://bsky.social"
	require.Equal(t, "wss://bsky.social/xrpc/com.atproto.sync.subscribeRepos", c.SubscribeReposURL())
}
