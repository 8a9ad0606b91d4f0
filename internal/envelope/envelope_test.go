package envelope

import (
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/bmailapp/bmail/internal/model"
)

func TestEncryptAndEncodeRoundTrip(t *testing.T) {
	self, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	payload := model.DecryptedMessage{
		Plaintext:      "hi",
		CreatorDID:     "did:plc:alice",
		ConversationID: "conv-1",
		Recipients:     []model.DID{"did:plc:alice", "did:plc:bob"},
	}

	recipients := []string{self.Recipient().String(), other.Recipient().String()}
	sealed, err := EncryptAndEncode(recipients, payload)
	require.NoError(t, err)
	require.NotEmpty(t, sealed)

	var got model.DecryptedMessage
	require.NoError(t, DecryptAndDecode(self, sealed, &got))
	require.Equal(t, payload, got)

	require.NoError(t, DecryptAndDecode(other, sealed, &got))
	require.Equal(t, payload, got)
}

func TestEncryptAndEncodeRequiresRecipients(t *testing.T) {
	_, err := EncryptAndEncode(nil, "x")
	require.Error(t, err)
}

func TestDecryptAndDecodeWrongIdentityFails(t *testing.T) {
	self, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	intruder, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	sealed, err := EncryptAndEncode([]string{self.Recipient().String()}, "secret")
	require.NoError(t, err)

	var got string
	err = DecryptAndDecode(intruder, sealed, &got)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTripNoEncryption(t *testing.T) {
	entries := []model.RCMapEntry{
		{Participants: []string{"did:plc:alice", "did:plc:bob"}, ConversationID: "conv-1"},
	}
	s, err := EncodeAndEncode(entries)
	require.NoError(t, err)

	var got []model.RCMapEntry
	require.NoError(t, DecodeAndDecode(s, &got))
	require.Equal(t, entries, got)
}
