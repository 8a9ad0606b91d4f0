// Package envelope implements bmail's cryptographic envelope: canonical
// deterministic serialization, multi-recipient public-key encryption
// via age X25519 recipient stanzas, and unpadded base64 transport
// encoding (spec.md §4.2).
//
// Canonical serialization uses msgpack with fixed struct field tags —
// deterministic because field order follows the Go struct definition,
// not map iteration, and schema-tolerant because msgpack silently
// skips unknown fields on decode.
package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bmailapp/bmail/internal/bmailerr"
)

var transportEncoding = base64.RawStdEncoding

// Encode canonically serializes payload to bytes, without encryption.
// Used for the opaque-but-public bmail_rc_map.
func Encode(payload any) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bmailerr.ErrSerialization, err)
	}
	return b, nil
}

// Decode canonically deserializes data into out.
func Decode(data []byte, out any) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", bmailerr.ErrDecode, err)
	}
	return nil
}

// EncodeAndEncode canonically serializes payload and base64-encodes it
// (unpadded standard alphabet), with no encryption.
func EncodeAndEncode(payload any) (string, error) {
	b, err := Encode(payload)
	if err != nil {
		return "", err
	}
	return transportEncoding.EncodeToString(b), nil
}

// DecodeAndDecode base64-decodes s and canonically deserializes it into out.
func DecodeAndDecode(s string, out any) error {
	b, err := transportEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", bmailerr.ErrDecode, err)
	}
	return Decode(b, out)
}

// EncryptAndEncode canonically serializes payload, seals it to every
// recipient public key via age recipient-stanza encryption, and
// base64-encodes (unpadded standard alphabet) the result. Fails with
// ErrEncrypt if recipients is empty or any key is malformed.
func EncryptAndEncode(recipients []string, payload any) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("%w: no recipients", bmailerr.ErrEncrypt)
	}

	ageRecipients := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		rec, err := age.ParseX25519Recipient(r)
		if err != nil {
			return "", fmt.Errorf("%w: parse recipient %q: %v", bmailerr.ErrEncrypt, r, err)
		}
		ageRecipients = append(ageRecipients, rec)
	}

	plain, err := Encode(payload)
	if err != nil {
		return "", err
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, ageRecipients...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", bmailerr.ErrEncrypt, err)
	}
	if _, err := w.Write(plain); err != nil {
		return "", fmt.Errorf("%w: %v", bmailerr.ErrEncrypt, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", bmailerr.ErrEncrypt, err)
	}

	return transportEncoding.EncodeToString(sealed.Bytes()), nil
}

// DecryptAndDecode base64-decodes s, decrypts it with identity, and
// canonically deserializes the plaintext into out.
func DecryptAndDecode(identity *age.X25519Identity, s string, out any) error {
	raw, err := transportEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", bmailerr.ErrDecode, err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return fmt.Errorf("%w: %v", bmailerr.ErrDecrypt, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %v", bmailerr.ErrDecrypt, err)
	}

	return Decode(plain, out)
}
