// Package atproto is a thin XRPC HTTP client for the AT Protocol PDS
// that bmail piggy-backs on: session auth, generic record CRUD, handle
// resolution, and the subscribeRepos websocket endpoint consumed by
// the firehose ingestor. It is adapted from klistr's internal/bsky
// client, generalized from a fixed post/like/notification surface to
// arbitrary-collection record operations.
package atproto

// Session holds credentials returned by com.atproto.server.createSession.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// CreateSessionInput is the request body for com.atproto.server.createSession.
type CreateSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// CreateRecordRequest is the request body for com.atproto.repo.createRecord.
type CreateRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	Record     interface{} `json:"record"`
}

// CreateRecordResponse is returned by com.atproto.repo.createRecord.
type CreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// PutRecordRequest is the request body for com.atproto.repo.putRecord.
// SwapRecord, when set, makes the write conditional on the record's
// current CID — used when bmail updates its own profile overlay so a
// concurrent writer (another bmail session for the same account) can't
// silently clobber an rc_map update.
type PutRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey"`
	Record     interface{} `json:"record"`
	SwapRecord string      `json:"swapRecord,omitempty"`
}

// PutRecordResponse is returned by com.atproto.repo.putRecord.
type PutRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// GetRecordResponse is returned by com.atproto.repo.getRecord.
type GetRecordResponse struct {
	URI   string      `json:"uri"`
	CID   string      `json:"cid"`
	Value interface{} `json:"value"`
}

// ListRecordsResponse is returned by com.atproto.repo.listRecords.
type ListRecordsResponse struct {
	Records []ListedRecord `json:"records"`
	Cursor  string         `json:"cursor"`
}

// ListedRecord is a single entry of a listRecords response.
type ListedRecord struct {
	URI   string      `json:"uri"`
	CID   string      `json:"cid"`
	Value interface{} `json:"value"`
}

// ResolveHandleResponse is returned by com.atproto.identity.resolveHandle.
type ResolveHandleResponse struct {
	DID string `json:"did"`
}

// FeedPost is the lexicon record for a Bluesky post, used for bmail's
// sentinel post.
type FeedPost struct {
	Type      string `json:"$type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// Ref is a CID+URI pair identifying an AT Protocol record.
type Ref struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// LikeRecord is the lexicon record for app.bsky.feed.like, reused by
// bmail as its out-of-band notification primitive. The bmail_* fields
// are additional, non-lexicon side-channel fields tolerated by the PDS
// because record schemas are validated leniently on write.
type LikeRecord struct {
	Type                string   `json:"$type"`
	Subject             Ref      `json:"subject"`
	CreatedAt           string   `json:"createdAt"`
	BmailType           string   `json:"bmail_type,omitempty"`
	BmailRecipients     []string `json:"bmail_recipients,omitempty"`
	BmailConversationID string   `json:"bmail_conversation_id,omitempty"`
}
