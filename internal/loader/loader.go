// Package loader implements the Conversation Loader / Reconciler
// (spec.md §4.5), the core algorithm that turns a list of peer handles
// into the ConversationID shared with those peers, discovering it from
// whichever of three directories (local, self-profile, peer-profile)
// already knows it, or minting a fresh one.
package loader

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bmailapp/bmail/internal/atproto"
	"github.com/bmailapp/bmail/internal/bmailerr"
	"github.com/bmailapp/bmail/internal/envelope"
	"github.com/bmailapp/bmail/internal/identity"
	"github.com/bmailapp/bmail/internal/model"
	"github.com/bmailapp/bmail/internal/store"
	"github.com/bmailapp/bmail/internal/store/sqlstore"
)

// Loader resolves and backfills conversations for the local account.
type Loader struct {
	Client      *atproto.Client
	Resolver    *atproto.Resolver
	Store       *store.ConversationStore
	Identity    *identity.Identity
	LocalDID    model.DID
	LocalHandle string

	// Cache is the durable local cache (spec.md §9, supplemented): it
	// remembers rc_map lookups and per-participant sync highwater marks
	// across process restarts, so a relaunch doesn't re-fetch every
	// peer's directory or re-backfill from the beginning. Nil disables
	// persistence; the loader still works, just without surviving a
	// restart for free.
	Cache *sqlstore.Store

	// BackfillPageSize bounds how many records are requested per
	// listRecords call during step 6 (spec.md §9 open question).
	BackfillPageSize int
}

// Load runs the full five-step discovery algorithm plus backfill for
// peerHandles, returning the ConversationID now bound to that
// participant set for the local user.
func (l *Loader) Load(ctx context.Context, peerHandles []string) (model.ConversationID, error) {
	participants, err := l.canonicalize(ctx, peerHandles)
	if err != nil {
		return "", err
	}
	key := model.ParticipantsKey(participants)

	if id, ok := l.Store.Lookup(participants); ok {
		if err := l.backfill(ctx, id, participants); err != nil {
			return "", err
		}
		return id, nil
	}

	if l.Cache != nil {
		if cached, ok := l.Cache.LookupRCMapEntry(string(l.LocalDID), key); ok {
			id := model.ConversationID(cached)
			if _, err := l.Store.EnsureShell(id, participants); err != nil {
				return "", err
			}
			if err := l.backfill(ctx, id, participants); err != nil {
				return "", err
			}
			return id, nil
		}
	}

	id, found, err := l.selfProfileLookup(ctx, participants)
	if err != nil {
		return "", err
	}
	if !found {
		id, found, err = l.peerDirectoryLookup(ctx, participants)
		if err != nil {
			return "", err
		}
	}
	if !found {
		id = model.ConversationID(uuid.NewString())
		if err := l.registerAndPublish(ctx, id, participants); err != nil {
			return "", err
		}
	}

	if l.Cache != nil {
		if err := l.Cache.CacheRCMapEntry(string(l.LocalDID), key, string(id)); err != nil {
			slog.Warn("persisting rc_map cache entry failed", "error", err)
		}
	}

	if err := l.backfill(ctx, id, participants); err != nil {
		return "", err
	}
	return id, nil
}

// canonicalize implements step 1: resolve handles, append local DID,
// sort and dedupe.
func (l *Loader) canonicalize(ctx context.Context, peerHandles []string) ([]model.DID, error) {
	dids := make([]model.DID, 0, len(peerHandles)+1)
	for _, h := range peerHandles {
		did, err := l.Resolver.ResolveDID(ctx, h)
		if err != nil {
			return nil, err
		}
		dids = append(dids, model.DID(did))
	}
	dids = append(dids, l.LocalDID)
	return model.CanonicalizeParticipants(dids), nil
}

// selfProfileLookup implements step 3: fetch the local rc_map, and if
// it already knows this participant set, adopt it.
func (l *Loader) selfProfileLookup(ctx context.Context, participants []model.DID) (model.ConversationID, bool, error) {
	entries, err := l.fetchRCMap(ctx, string(l.LocalDID))
	if err != nil {
		return "", false, err
	}
	key := model.ParticipantsKey(participants)
	for _, e := range entries {
		if rcKey(e.Participants) == key {
			id := model.ConversationID(e.ConversationID)
			if _, err := l.Store.EnsureShell(id, participants); err != nil {
				return "", false, err
			}
			if err := l.uploadRCMap(ctx, entries); err != nil {
				return "", false, err
			}
			return id, true, nil
		}
	}
	return "", false, nil
}

// peerDirectoryLookup implements step 4: ask each non-local peer for
// their own rc_map, first match wins. Per-peer failures are logged and
// skipped, never fatal (spec.md §4.5 failure policy).
func (l *Loader) peerDirectoryLookup(ctx context.Context, participants []model.DID) (model.ConversationID, bool, error) {
	key := model.ParticipantsKey(participants)
	for _, peer := range participants {
		if peer == l.LocalDID {
			continue
		}
		entries, err := l.fetchRCMap(ctx, string(peer))
		if err != nil {
			slog.Warn("peer directory lookup failed, skipping", "peer", peer, "error", err)
			continue
		}
		for _, e := range entries {
			if rcKey(e.Participants) == key {
				id := model.ConversationID(e.ConversationID)
				if err := l.registerAndPublish(ctx, id, participants); err != nil {
					return "", false, err
				}
				return id, true, nil
			}
		}
	}
	return "", false, nil
}

// registerAndPublish implements the shared tail of steps 4 and 5:
// create the local shell and append the entry to the self-profile
// rc_map.
func (l *Loader) registerAndPublish(ctx context.Context, id model.ConversationID, participants []model.DID) error {
	if _, err := l.Store.EnsureShell(id, participants); err != nil {
		return err
	}
	entries, err := l.fetchRCMap(ctx, string(l.LocalDID))
	if err != nil {
		return err
	}
	entries = append(entries, model.RCMapEntry{
		Participants:   didsToStrings(participants),
		ConversationID: string(id),
	})
	return l.uploadRCMap(ctx, entries)
}

// fetchRCMap fetches and decodes repoDID's bmail_rc_map, returning an
// empty slice (not an error) if the profile has none yet.
func (l *Loader) fetchRCMap(ctx context.Context, repoDID string) ([]model.RCMapEntry, error) {
	overlay, err := l.Resolver.Profile(ctx, repoDID)
	if err != nil {
		return nil, err
	}
	if overlay.RCMap == "" {
		return nil, nil
	}
	var entries []model.RCMapEntry
	if err := envelope.DecodeAndDecode(overlay.RCMap, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// uploadRCMap re-serializes entries and writes them back to the local
// user's actor.profile/self record, preserving whatever other profile
// fields are already present.
func (l *Loader) uploadRCMap(ctx context.Context, entries []model.RCMapEntry) error {
	encoded, err := envelope.EncodeAndEncode(entries)
	if err != nil {
		return err
	}

	current, err := l.Client.GetRecord(ctx, string(l.LocalDID), atproto.ProfileCollection, atproto.ProfileRKey)
	var value map[string]any
	swap := ""
	if err == nil {
		swap = current.CID
		if m, ok := current.Value.(map[string]any); ok {
			value = m
		}
	}
	if value == nil {
		value = map[string]any{}
	}
	value["bmail_rc_map"] = encoded

	_, err = l.Client.PutRecord(ctx, atproto.PutRecordRequest{
		Repo:       string(l.LocalDID),
		Collection: atproto.ProfileCollection,
		RKey:       atproto.ProfileRKey,
		Record:     value,
		SwapRecord: swap,
	})
	return err
}

// Resync re-runs step 6 (backfill) for an already-loaded conversation,
// the work a peer notification like triggers as a soft re-sync
// (spec.md §9, supplemented): it never creates or publishes anything,
// only catches up messages the firehose might have missed.
func (l *Loader) Resync(ctx context.Context, id model.ConversationID, participants []model.DID) error {
	return l.backfill(ctx, id, participants)
}

// backfill implements step 6: pull every participant's bmail records
// for this conversation, decrypt, and insert. Per-peer failures are
// logged and skipped (spec.md §4.5 failure policy).
func (l *Loader) backfill(ctx context.Context, id model.ConversationID, participants []model.DID) error {
	pageSize := l.BackfillPageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	for _, peer := range participants {
		if err := l.backfillPeer(ctx, id, peer, pageSize); err != nil {
			slog.Warn("backfill failed for participant, skipping", "peer", peer, "error", err)
		}
	}
	return nil
}

func (l *Loader) backfillPeer(ctx context.Context, id model.ConversationID, peer model.DID, pageSize int) error {
	highwater, _ := l.Store.ActiveTime(id, peer)
	if l.Cache != nil {
		if cached, ok := l.Cache.RecipientActiveTime(string(id), string(peer)); ok {
			if cu := cached.Unix(); cu > highwater {
				highwater = cu
			}
		}
	}
	maxSeen := highwater

	cursor := ""
	for {
		page, err := l.Client.ListRecords(ctx, string(peer), atproto.ProfileCollection, cursor, pageSize)
		if err != nil {
			return err
		}

		for _, rec := range page.Records {
			msg, ok, err := l.decodeIfMatching(rec.Value, id, highwater)
			if err != nil {
				slog.Warn("dropping malformed backfill record", "uri", rec.URI, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if _, err := l.Store.Insert(msg); err != nil {
				slog.Warn("dropping backfill record, insert failed", "uri", rec.URI, "error", err)
				continue
			}
			if t := msg.CreatedAt.Unix(); t > maxSeen {
				maxSeen = t
			}
		}

		if page.Cursor == "" || page.Cursor == cursor {
			break
		}
		cursor = page.Cursor
	}

	if l.Cache != nil && maxSeen > highwater {
		if err := l.Cache.SetRecipientActiveTime(string(id), string(peer), time.Unix(maxSeen, 0).UTC()); err != nil {
			slog.Warn("persisting recipient highwater mark failed", "peer", peer, "error", err)
		}
	}
	return nil
}

func (l *Loader) decodeIfMatching(value any, id model.ConversationID, highwater int64) (model.DecryptedMessage, bool, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		return model.DecryptedMessage{}, false, nil
	}
	if t, _ := raw["bmail_type"].(string); t != model.RecordTypeBmail {
		return model.DecryptedMessage{}, false, nil
	}
	if cid, _ := raw["conversation_id"].(string); cid != string(id) {
		return model.DecryptedMessage{}, false, nil
	}

	var rec model.MessageRecord
	if err := remarshalJSON(raw, &rec); err != nil {
		return model.DecryptedMessage{}, false, bmailerr.ErrMalformedMessageRecord
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return model.DecryptedMessage{}, false, bmailerr.ErrMalformedMessageRecord
	}
	if createdAt.Unix() <= highwater {
		return model.DecryptedMessage{}, false, nil
	}

	var plaintext string
	if err := envelope.DecryptAndDecode(l.Identity.Secret, rec.CipherText, &plaintext); err != nil {
		return model.DecryptedMessage{}, false, err
	}

	recipients := make([]model.DID, 0, len(rec.Recipients))
	for _, r := range rec.Recipients {
		recipients = append(recipients, model.DID(r))
	}

	return model.DecryptedMessage{
		CreatedAt:      createdAt,
		CreatorDID:     model.DID(rec.Creator),
		CreatorHandle:  rec.CreatorHandle,
		ConversationID: id,
		Plaintext:      plaintext,
		Recipients:     recipients,
		Version:        rec.Version,
	}, true, nil
}

func rcKey(dids []string) string {
	converted := make([]model.DID, len(dids))
	for i, d := range dids {
		converted[i] = model.DID(d)
	}
	return model.ParticipantsKey(converted)
}

func didsToStrings(dids []model.DID) []string {
	out := make([]string, len(dids))
	for i, d := range dids {
		out[i] = string(d)
	}
	return out
}

func remarshalJSON(src map[string]any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
