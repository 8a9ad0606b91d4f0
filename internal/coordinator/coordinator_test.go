package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bmailapp/bmail/internal/atproto"
	"github.com/bmailapp/bmail/internal/envelope"
	"github.com/bmailapp/bmail/internal/firehose"
	"github.com/bmailapp/bmail/internal/identity"
	"github.com/bmailapp/bmail/internal/loader"
	"github.com/bmailapp/bmail/internal/model"
	"github.com/bmailapp/bmail/internal/store"
	"github.com/bmailapp/bmail/internal/store/sqlstore"
)

func openTestCache(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(t.TempDir() + "/bmail.db")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func newTestCoordinator(t *testing.T, extra http.HandlerFunc) (*Coordinator, *identity.Identity) {
	t.Helper()

	bobID, err := identity.Load(t.TempDir() + "/bob.key")
	require.NoError(t, err)
	aliceID, err := identity.Load(t.TempDir() + "/alice.key")
	require.NoError(t, err)

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			_ = json.NewEncoder(w).Encode(atproto.Session{DID: "did:plc:alice", Handle: "alice.test", AccessJwt: "jwt-1"})
		case "/xrpc/com.atproto.identity.resolveHandle":
			did := "did:plc:" + r.URL.Query().Get("handle")
			if r.URL.Query().Get("handle") == "bob.test" {
				did = "did:plc:bob"
			}
			_ = json.NewEncoder(w).Encode(atproto.ResolveHandleResponse{DID: did})
		case "/xrpc/com.atproto.repo.getRecord":
			repo := r.URL.Query().Get("repo")
			if repo == "did:plc:bob" {
				_ = json.NewEncoder(w).Encode(atproto.GetRecordResponse{CID: "cid-bob", Value: map[string]any{
					"bmail_pub_key":          bobID.PublicKey,
					"bmail_notification_uri": "at://did:plc:bob/app.bsky.feed.post/sentinel",
					"bmail_notification_cid": "cid-sentinel",
				}})
				return
			}
			_ = json.NewEncoder(w).Encode(atproto.GetRecordResponse{CID: "cid-alice", Value: map[string]any{
				"bmail_pub_key": aliceID.PublicKey,
			}})
		default:
			if extra != nil {
				extra(w, r)
				return
			}
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)

	client := atproto.NewClient("alice.test", "app-password")
	client.PDSURL = srv.URL
	require.NoError(t, client.Authenticate(context.Background()))

	resolver := atproto.NewResolver(client, 0)
	s := store.New("did:plc:alice")
	_, err = s.EnsureShell("conv-1", []model.DID{"did:plc:alice", "did:plc:bob"})
	require.NoError(t, err)

	ing := firehose.New("wss://example.invalid/xrpc/com.atproto.sync.subscribeRepos", 4)

	cache := openTestCache(t)

	c := &Coordinator{
		Client:      client,
		Resolver:    resolver,
		Store:       s,
		Loader:      &loader.Loader{Client: client, Resolver: resolver, Store: s, Cache: cache, Identity: aliceID, LocalDID: "did:plc:alice", LocalHandle: "alice.test"},
		Identity:    aliceID,
		Ingestor:    ing,
		Cache:       cache,
		LocalDID:    "did:plc:alice",
		LocalHandle: "alice.test",
	}
	return c, bobID
}

func TestSendRejectsParticipantMismatch(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	err := c.Send(context.Background(), "conv-1", []string{"someone-else.test"}, "hi")
	require.Error(t, err)
}

func TestSendPublishesAndInsertsLocally(t *testing.T) {
	var created []string
	extra := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.repo.createRecord":
			var req atproto.CreateRecordRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			created = append(created, req.Collection)
			_ = json.NewEncoder(w).Encode(atproto.CreateRecordResponse{URI: "at://did:plc:alice/x/1", CID: "cid-x"})
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}
	c, _ := newTestCoordinator(t, extra)

	err := c.Send(context.Background(), "conv-1", []string{"bob.test"}, "hello bob")
	require.NoError(t, err)
	require.Contains(t, created, atproto.ProfileCollection)
	require.Contains(t, created, "app.bsky.feed.like")

	conv, ok := c.Store.Get("conv-1")
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
}

func TestIngestMessageInsertsWhenLocalDIDIsRecipient(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	cipherText, err := envelope.EncryptAndEncode([]string{c.Identity.PublicKey}, "hi alice")
	require.NoError(t, err)

	rec := model.MessageRecord{
		Type:           model.RecordTypeBmail,
		ConversationID: "conv-1",
		CreatedAt:      "2026-01-01T00:00:00Z",
		CipherText:     cipherText,
		Creator:        "did:plc:bob",
		CreatorHandle:  "bob.test",
		Version:        0,
		Recipients:     []string{"did:plc:alice", "did:plc:bob"},
	}

	c.ingestMessage(rec)

	conv, ok := c.Store.Get("conv-1")
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
}

func TestIngestMessageIgnoresWhenLocalDIDNotRecipient(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	ev := firehose.RecordEvent{
		Record: map[string]any{
			"bmail_type":      "bmail",
			"conversation_id": "conv-1",
			"recipients":      []any{"did:plc:bob", "did:plc:carol"},
		},
	}
	c.handleEvent(context.Background(), ev)

	conv, ok := c.Store.Get("conv-1")
	require.True(t, ok)
	require.Empty(t, conv.Messages)
}

func TestTriggerResyncSkipsUnknownConversation(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	// No listRecords handler is registered; if triggerResync tried to
	// backfill an unknown conversation it would hit the test server's
	// t.Fatalf("unexpected request") fallback.
	c.triggerResync(context.Background(), "conv-does-not-exist")
}

func TestTriggerResyncBackfillsKnownConversation(t *testing.T) {
	var listed []string
	extra := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.repo.listRecords":
			listed = append(listed, r.URL.Query().Get("repo"))
			_ = json.NewEncoder(w).Encode(atproto.ListRecordsResponse{Records: nil})
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}
	c, _ := newTestCoordinator(t, extra)

	c.triggerResync(context.Background(), "conv-1")
	require.Contains(t, listed, "did:plc:bob")
}

func TestRecordCursorPersistsToCache(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	c.recordCursor(42)

	got, ok := c.Cache.GetKV(FirehoseCursorKey)
	require.True(t, ok)
	require.Equal(t, "42", got)
}

func TestAuditLogWritesToCache(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	// auditLog is best-effort and swallows write errors; exercising it
	// against a real cache at least confirms the wiring reaches
	// WriteAuditLog without panicking.
	c.auditLog("test_action", "detail")
}
