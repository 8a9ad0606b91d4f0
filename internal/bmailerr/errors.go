// Package bmailerr defines the error kinds shared across bmail's core
// packages. Each kind from the design is a sentinel or a small typed
// error so callers can classify failures with errors.Is/errors.As the
// same way klistr's bsky.Client distinguishes errAuthExpired from a
// generic network error.
package bmailerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig signals a missing or malformed configuration value.
	ErrConfig = errors.New("bmail: config error")

	// ErrIdentityIO signals the identity file could not be read or written.
	ErrIdentityIO = errors.New("bmail: identity io error")

	// ErrIdentityParse signals the identity file contents are neither
	// empty nor a valid secret.
	ErrIdentityParse = errors.New("bmail: identity parse error")

	// ErrNetwork wraps a failure talking to the underlying social network.
	ErrNetwork = errors.New("bmail: network error")

	// ErrProfileParse signals a profile record could not be parsed.
	ErrProfileParse = errors.New("bmail: profile parse error")

	// ErrMalformedMessageRecord signals a record tagged bmail_type="bmail"
	// that does not decode into a MessageRecord.
	ErrMalformedMessageRecord = errors.New("bmail: malformed message record")

	// ErrDecrypt signals the age decryption step failed.
	ErrDecrypt = errors.New("bmail: decrypt error")

	// ErrEncrypt signals the age encryption step failed.
	ErrEncrypt = errors.New("bmail: encrypt error")

	// ErrDecode signals a base64 or canonical-deserialize failure.
	ErrDecode = errors.New("bmail: decode error")

	// ErrSerialization signals a canonical-serialize failure.
	ErrSerialization = errors.New("bmail: serialization error")

	// ErrConversationNotFound signals a conversation ID with no local
	// Conversation shell, not even an empty one.
	ErrConversationNotFound = errors.New("bmail: conversation not found")

	// ErrParticipantMismatch signals a send whose resolved recipient set
	// does not equal the conversation's stored participant set.
	ErrParticipantMismatch = errors.New("bmail: participant mismatch")

	// ErrFirehoseStream signals a firehose dial, frame-read or
	// frame-decode failure; the ingestor logs it and reconnects.
	ErrFirehoseStream = errors.New("bmail: firehose stream error")

	// ErrChannelClosed signals a send on a closed ingestor channel.
	ErrChannelClosed = errors.New("bmail: channel closed")

	// ErrFirehoseProcessCrashed is surfaced to the UI when the background
	// ingestor task terminates unexpectedly.
	ErrFirehoseProcessCrashed = errors.New("bmail: firehose process crashed")

	// ErrSentinelMissing signals a peer's profile advertises no sentinel
	// post yet, so a notification like has nothing to target.
	ErrSentinelMissing = errors.New("bmail: peer sentinel post missing")
)

// RecipientKeyMissingError reports that a participant's profile has no
// advertised bmail public key. Callers test for it with errors.As.
type RecipientKeyMissingError struct {
	DID string
}

func (e *RecipientKeyMissingError) Error() string {
	return fmt.Sprintf("bmail: recipient key missing for %s", e.DID)
}

// MissingRecipient constructs a RecipientKeyMissingError for did.
func MissingRecipient(did string) error {
	return &RecipientKeyMissingError{DID: did}
}
