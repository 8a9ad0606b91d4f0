// Package coordinator wires together the identity, network client,
// conversation store, loader, and firehose ingestor behind the command
// surface described in spec.md §4.7-4.9: initialize, load_conversation,
// send, and an ingress sink draining firehose events. Its command-method
// shape mirrors klistr's cmd/klistr/main.go init sequence and
// internal/ap poller loop, generalized from a one-shot post-and-poll
// cycle to a long-lived coordinator object.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bmailapp/bmail/internal/atproto"
	"github.com/bmailapp/bmail/internal/bmailerr"
	"github.com/bmailapp/bmail/internal/envelope"
	"github.com/bmailapp/bmail/internal/firehose"
	"github.com/bmailapp/bmail/internal/identity"
	"github.com/bmailapp/bmail/internal/loader"
	"github.com/bmailapp/bmail/internal/model"
	"github.com/bmailapp/bmail/internal/store"
	"github.com/bmailapp/bmail/internal/store/sqlstore"
)

// FirehoseCursorKey is the sqlstore KV key the last-processed firehose
// seq is persisted under, so a restart resumes subscribeRepos instead
// of replaying the whole stream (spec.md §9, supplemented). Exported
// so cmd/bmail can read it back at startup to seed the ingestor.
const FirehoseCursorKey = "firehose_cursor"

// sentinelText and sentinelEpoch are the fixed sentinel-post contents
// (spec.md §4.8/§6): a deterministic, ancient-timestamped post whose
// sole purpose is to receive "likes" as notifications.
const sentinelText = "You've got Bmail"

var sentinelEpoch = time.Unix(0, 0).UTC()

// Coordinator is the engine's single point of mutation for conversation
// state. RunIngressSink drains firehose events on one goroutine;
// notification-triggered resyncs run on goroutines of their own and
// reach the conversation state through ConversationStore's lock.
type Coordinator struct {
	Client   *atproto.Client
	Resolver *atproto.Resolver
	Store    *store.ConversationStore
	Loader   *loader.Loader
	Identity *identity.Identity
	Ingestor *firehose.Ingestor

	// Cache is the durable local cache (see internal/store/sqlstore).
	// Nil disables audit logging and firehose cursor persistence; every
	// write through it is best-effort and never blocks the live path.
	Cache *sqlstore.Store

	LocalDID    model.DID
	LocalHandle string
}

// Initialize runs the profile bootstrap of spec.md §4.8: ensures the
// local profile advertises a bmail public key and a sentinel post,
// publishing whichever is missing.
func (c *Coordinator) Initialize(ctx context.Context) error {
	current, err := c.Client.GetRecord(ctx, string(c.LocalDID), atproto.ProfileCollection, atproto.ProfileRKey)
	value := map[string]any{}
	swap := ""
	if err == nil {
		swap = current.CID
		if m, ok := current.Value.(map[string]any); ok {
			value = m
		}
	}

	changed := false

	if _, ok := value["bmail_pub_key"]; !ok || value["bmail_pub_key"] == "" {
		value["bmail_pub_key"] = c.Identity.PublicKey
		changed = true
	}

	if _, ok := value["bmail_notification_uri"]; !ok || value["bmail_notification_uri"] == "" {
		post := atproto.FeedPost{
			Type:      "app.bsky.feed.post",
			Text:      sentinelText,
			CreatedAt: sentinelEpoch.Format(time.RFC3339),
		}
		resp, err := c.Client.CreateRecord(ctx, atproto.CreateRecordRequest{
			Repo:       string(c.LocalDID),
			Collection: "app.bsky.feed.post",
			Record:     post,
		})
		if err != nil {
			return fmt.Errorf("%w: publish sentinel post: %v", bmailerr.ErrNetwork, err)
		}
		value["bmail_notification_uri"] = resp.URI
		value["bmail_notification_cid"] = resp.CID
		changed = true
	}

	if !changed {
		return nil
	}

	_, err = c.Client.PutRecord(ctx, atproto.PutRecordRequest{
		Repo:       string(c.LocalDID),
		Collection: atproto.ProfileCollection,
		RKey:       atproto.ProfileRKey,
		Record:     value,
		SwapRecord: swap,
	})
	if err != nil {
		return fmt.Errorf("%w: publish profile overlay: %v", bmailerr.ErrNetwork, err)
	}
	c.auditLog("profile_bootstrap", "published pub key and/or sentinel post")
	return nil
}

// LoadConversation runs the Conversation Loader (spec.md §4.5) for the
// given peer handles and returns the resolved ConversationID.
func (c *Coordinator) LoadConversation(ctx context.Context, peerHandles []string) (model.ConversationID, error) {
	return c.Loader.Load(ctx, peerHandles)
}

// Send implements the send path of spec.md §4.7.
func (c *Coordinator) Send(ctx context.Context, convID model.ConversationID, peerHandles []string, plaintext string) error {
	conv, ok := c.Store.Get(convID)
	if !ok {
		return bmailerr.ErrConversationNotFound
	}

	participants := make([]model.DID, 0, len(peerHandles)+1)
	for _, h := range peerHandles {
		did, err := c.Resolver.ResolveDID(ctx, h)
		if err != nil {
			return err
		}
		participants = append(participants, model.DID(did))
	}
	participants = model.CanonicalizeParticipants(append(participants, c.LocalDID))

	if model.ParticipantsKey(participants) != model.ParticipantsKey(conv.Participants) {
		return bmailerr.ErrParticipantMismatch
	}

	keys := make([]string, 0, len(participants))
	for _, p := range participants {
		key, err := c.Resolver.RecipientKey(ctx, string(p))
		if err != nil {
			return err
		}
		if key == "" {
			return bmailerr.MissingRecipient(string(p))
		}
		keys = append(keys, key)
	}

	now := time.Now().UTC()
	cipherText, err := envelope.EncryptAndEncode(keys, plaintext)
	if err != nil {
		return err
	}

	recipients := make([]string, len(participants))
	for i, p := range participants {
		recipients[i] = string(p)
	}

	record := model.MessageRecord{
		Type:           model.RecordTypeBmail,
		ConversationID: string(convID),
		CreatedAt:      now.Format(time.RFC3339),
		CipherText:     cipherText,
		Creator:        string(c.LocalDID),
		CreatorHandle:  c.LocalHandle,
		Version:        0,
		Recipients:     recipients,
	}

	if _, err := c.Client.CreateRecord(ctx, atproto.CreateRecordRequest{
		Repo:       string(c.LocalDID),
		Collection: atproto.ProfileCollection,
		Record:     record,
	}); err != nil {
		return fmt.Errorf("%w: publish message record: %v", bmailerr.ErrNetwork, err)
	}

	msg := model.DecryptedMessage{
		CreatedAt:      now,
		CreatorDID:     c.LocalDID,
		CreatorHandle:  c.LocalHandle,
		ConversationID: convID,
		Plaintext:      plaintext,
		Recipients:     participants,
		Version:        0,
	}
	if _, err := c.Store.Insert(msg); err != nil {
		return err
	}
	c.auditLog("send", fmt.Sprintf("conversation=%s recipients=%d", convID, len(participants)))

	for _, p := range participants {
		if p == c.LocalDID {
			continue
		}
		if err := c.notify(ctx, p, convID, recipients); err != nil {
			slog.Warn("notification like failed, continuing", "peer", p, "error", err)
		}
	}
	return nil
}

// notify publishes a NotificationLike whose subject is peer's sentinel
// post (spec.md §4.7 step 7). Errors here are warnings, never fatal.
func (c *Coordinator) notify(ctx context.Context, peer model.DID, convID model.ConversationID, recipients []string) error {
	overlay, err := c.Resolver.Profile(ctx, string(peer))
	if err != nil {
		return err
	}
	if overlay.NotificationURI == "" {
		return bmailerr.ErrSentinelMissing
	}

	like := atproto.LikeRecord{
		Type:                "app.bsky.feed.like",
		Subject:             atproto.Ref{URI: overlay.NotificationURI, CID: overlay.NotificationCID},
		CreatedAt:           time.Now().UTC().Format(time.RFC3339),
		BmailType:           model.RecordTypeNotification,
		BmailRecipients:     recipients,
		BmailConversationID: string(convID),
	}
	_, err = c.Client.CreateRecord(ctx, atproto.CreateRecordRequest{
		Repo:       string(c.LocalDID),
		Collection: "app.bsky.feed.like",
		Record:     like,
	})
	return err
}

// RunIngressSink drains the ingestor's event channel until ctx is
// cancelled or the channel closes, inserting each classified Message
// event via the §4.6 collision-safe insert (spec.md §4.9).
func (c *Coordinator) RunIngressSink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Ingestor.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev firehose.RecordEvent) {
	kind, parsed := firehose.Classify(ev)
	switch kind {
	case firehose.KindMessage:
		rec := parsed.(model.MessageRecord)
		if containsDID(rec.Recipients, string(c.LocalDID)) {
			c.ingestMessage(rec)
		}
	case firehose.KindNotification:
		// Notifications are a soft re-sync trigger only; correctness
		// never depends on them (spec.md §4.4 step 5). Fired off the
		// sink's goroutine so a slow backfill never stalls ingestion of
		// later firehose frames.
		rec := parsed.(model.NotificationLike)
		go c.triggerResync(ctx, rec.ConversationID)
	}
	c.recordCursor(ev.Seq)
}

// triggerResync re-runs backfill for an already-known conversation in
// response to a peer's notification like, picking up any message the
// firehose missed or dropped without waiting for the next explicit
// load_conversation call. Unknown conversations are skipped: bmail
// never resyncs a conversation it hasn't already loaded.
func (c *Coordinator) triggerResync(ctx context.Context, convID string) {
	id := model.ConversationID(convID)
	conv, ok := c.Store.Get(id)
	if !ok {
		slog.Debug("notification for unknown conversation, skipping resync", "conversation", convID)
		return
	}
	slog.Debug("notification observed, re-syncing conversation", "conversation", convID)
	if err := c.Loader.Resync(ctx, id, conv.Participants); err != nil {
		slog.Warn("notification-triggered resync failed", "conversation", convID, "error", err)
	}
}

// recordCursor persists the firehose's latest processed seq so a
// restart can resume the subscription instead of replaying it.
func (c *Coordinator) recordCursor(seq int64) {
	if c.Cache == nil || seq <= 0 {
		return
	}
	if err := c.Cache.SetKV(FirehoseCursorKey, strconv.FormatInt(seq, 10)); err != nil {
		slog.Warn("persisting firehose cursor failed", "error", err)
	}
}

// auditLog appends a best-effort audit entry. A nil Cache (or a write
// failure) never blocks the caller's live path.
func (c *Coordinator) auditLog(action, detail string) {
	if c.Cache == nil {
		return
	}
	if err := c.Cache.WriteAuditLog(action, detail); err != nil {
		slog.Warn("audit log write failed", "action", action, "error", err)
	}
}

func (c *Coordinator) ingestMessage(rec model.MessageRecord) {
	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		slog.Warn("dropping firehose record with unparseable timestamp", "error", err)
		return
	}

	var plaintext string
	if err := envelope.DecryptAndDecode(c.Identity.Secret, rec.CipherText, &plaintext); err != nil {
		slog.Warn("dropping firehose record, decrypt failed", "error", err)
		return
	}

	recipients := make([]model.DID, 0, len(rec.Recipients))
	for _, r := range rec.Recipients {
		recipients = append(recipients, model.DID(r))
	}
	convID := model.ConversationID(rec.ConversationID)

	if _, ok := c.Store.Get(convID); !ok {
		if _, err := c.Store.EnsureShell(convID, recipients); err != nil {
			slog.Warn("dropping firehose record, shell creation failed", "error", err)
			return
		}
	}

	msg := model.DecryptedMessage{
		CreatedAt:      createdAt,
		CreatorDID:     model.DID(rec.Creator),
		CreatorHandle:  rec.CreatorHandle,
		ConversationID: convID,
		Plaintext:      plaintext,
		Recipients:     recipients,
		Version:        rec.Version,
	}
	if _, err := c.Store.Insert(msg); err != nil {
		slog.Warn("dropping firehose record, insert failed", "error", err)
		return
	}
	c.auditLog("receive", fmt.Sprintf("conversation=%s from=%s", convID, rec.Creator))
}

func containsDID(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
