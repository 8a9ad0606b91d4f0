// Package model defines bmail's core data types: the in-memory
// Conversation shape, the on-network MessageRecord and ProfileOverlay
// wire forms, and the insertion discipline that keeps a Conversation's
// message map deduplicated and totally ordered.
package model

import (
	"sort"
	"time"
)

// DID is the network's stable opaque account identifier. Handles are
// resolved to DIDs before any comparison or storage; DIDs are the only
// identity used inside the core.
type DID string

// ConversationID names a logical conversation, agreed across
// participants by directory lookup (see the loader package).
type ConversationID string

// MessageKey orders messages within a Conversation: first by
// CreatedAt, then by Count, which disambiguates records that share a
// timestamp. Count starts at 0 and is incremented on collision during
// insert (see Conversation.Insert).
type MessageKey struct {
	CreatedAt time.Time
	Count     int
}

// Less reports whether k sorts before other, lexicographically on
// (CreatedAt, Count).
func (k MessageKey) Less(other MessageKey) bool {
	if !k.CreatedAt.Equal(other.CreatedAt) {
		return k.CreatedAt.Before(other.CreatedAt)
	}
	return k.Count < other.Count
}

// DecryptedMessage is a message once decrypted and ready for display.
type DecryptedMessage struct {
	CreatedAt      time.Time
	CreatorDID     DID
	CreatorHandle  string
	ConversationID ConversationID
	Plaintext      string
	Recipients     []DID
	Version        int
}

// Equal reports whether m and other are byte-equal after decrypt: same
// plaintext and metadata. Used by Conversation.Insert to detect the
// common case of a local send echoing back through the firehose.
func (m DecryptedMessage) Equal(other DecryptedMessage) bool {
	if m.CreatedAt != other.CreatedAt ||
		m.CreatorDID != other.CreatorDID ||
		m.CreatorHandle != other.CreatorHandle ||
		m.ConversationID != other.ConversationID ||
		m.Plaintext != other.Plaintext ||
		m.Version != other.Version {
		return false
	}
	return sameDIDs(m.Recipients, other.Recipients)
}

func sameDIDs(a, b []DID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MessageRecord is the published, on-network form of a message. Field
// names are wire-stable (spec.md §3 / §6).
type MessageRecord struct {
	Type           string   `msgpack:"bmail_type" json:"bmail_type"`
	ConversationID string   `msgpack:"conversation_id" json:"conversation_id"`
	CreatedAt      string   `msgpack:"created_at" json:"created_at"`
	CipherText     string   `msgpack:"cipher_text" json:"cipher_text"`
	Creator        string   `msgpack:"creator" json:"creator"`
	CreatorHandle  string   `msgpack:"creator_handle" json:"creator_handle"`
	Version        int      `msgpack:"version" json:"version"`
	Recipients     []string `msgpack:"recipients" json:"recipients"`
}

// RecordTypeBmail is the bmail_type discriminant for a message record.
const RecordTypeBmail = "bmail"

// RecordTypeNotification is the bmail_type discriminant for a
// notification-like record.
const RecordTypeNotification = "notification"

// ProfileOverlay holds the extra fields bmail adds to the user's
// profile record.
type ProfileOverlay struct {
	PubKey               string `json:"bmail_pub_key,omitempty"`
	NotificationURI      string `json:"bmail_notification_uri,omitempty"`
	NotificationCID      string `json:"bmail_notification_cid,omitempty"`
	RCMap                string `json:"bmail_rc_map,omitempty"`
}

// RCMapEntry is one row of the recipients-to-conversation directory.
// Encoding the directory as a sequence of entries (rather than a map
// keyed by a sorted DID list) keeps it portable across serialization
// formats that cannot use a list as a map key — see spec.md §9.
type RCMapEntry struct {
	Participants []string `msgpack:"participants" json:"participants"`
	ConversationID string `msgpack:"conversation_id" json:"conversation_id"`
}

// NotificationLike is a like record whose subject is a peer's sentinel
// post, carrying side-channel fields correlating it back to a
// conversation.
type NotificationLike struct {
	Type           string   `msgpack:"bmail_type" json:"bmail_type"`
	Recipients     []string `msgpack:"bmail_recipients" json:"bmail_recipients"`
	ConversationID string   `msgpack:"bmail_conversation_id" json:"bmail_conversation_id"`
	SubjectURI     string   `json:"subject_uri"`
	SubjectCID     string   `json:"subject_cid"`
}

// Conversation is an in-memory reconstruction of one logical
// conversation: an ordered participant set, the merged message map,
// and the per-participant sync highwater marks.
type Conversation struct {
	ID           ConversationID
	Participants []DID
	Messages     map[MessageKey]DecryptedMessage

	// RecipientActiveTime maps a participant DID to the latest CreatedAt
	// observed from them, used as a highwater mark for incremental sync.
	RecipientActiveTime map[DID]time.Time
}

// NewConversation creates an empty Conversation shell for the given
// (already sorted, deduplicated) participant set.
func NewConversation(id ConversationID, participants []DID) *Conversation {
	return &Conversation{
		ID:                  id,
		Participants:        append([]DID(nil), participants...),
		Messages:            make(map[MessageKey]DecryptedMessage),
		RecipientActiveTime: make(map[DID]time.Time),
	}
}

// Insert adds m to c's message map using the collision-safe discipline
// from spec.md §4.6: probe (CreatedAt, count) starting at count=0,
// returning early (no-op) on an exact duplicate, and incrementing count
// past any record with the same timestamp but different content. This
// yields a total order stable under replay from the firehose and from
// backfill.
func (c *Conversation) Insert(m DecryptedMessage) MessageKey {
	count := 0
	for {
		k := MessageKey{CreatedAt: m.CreatedAt, Count: count}
		existing, ok := c.Messages[k]
		if !ok {
			c.Messages[k] = m
			return k
		}
		if existing.Equal(m) {
			return k
		}
		count++
	}
}

// SortedKeys returns c's message keys in display order.
func (c *Conversation) SortedKeys() []MessageKey {
	keys := make([]MessageKey, 0, len(c.Messages))
	for k := range c.Messages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// CanonicalizeParticipants sorts and deduplicates a DID set, the
// canonicalization used to decide whether two conversations are "the
// same" (spec.md §3).
func CanonicalizeParticipants(dids []DID) []DID {
	seen := make(map[DID]struct{}, len(dids))
	out := make([]DID, 0, len(dids))
	for _, d := range dids {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParticipantsKey renders a canonicalized participant set as a stable
// map key / directory lookup key.
func ParticipantsKey(dids []DID) string {
	sorted := CanonicalizeParticipants(dids)
	key := ""
	for i, d := range sorted {
		if i > 0 {
			key += "\x00"
		}
		key += string(d)
	}
	return key
}
