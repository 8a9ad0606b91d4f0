// Package identity persists bmail's long-term X25519 decryption
// identity on disk, generating one on first run. It is the Identity
// Store of spec.md §4.1, grounded on klistr's LoadOrGenerateKeyPair
// idiom (internal/ap/keys.go) but adapted to a single read-write-create
// file holding one age X25519 identity instead of a PEM key pair.
package identity

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bmailapp/bmail/internal/bmailerr"
)

// Identity holds both forms of the user's long-term keypair: the
// secret age.X25519Identity used to decrypt incoming mail, and its
// derived public recipient form advertised on the user's own profile.
type Identity struct {
	Secret    *age.X25519Identity
	PublicKey string // bech32 "age1..." recipient string
}

// Load opens path in read-write-create mode. If the file is empty, a
// fresh X25519 identity is generated and its textual secret form is
// written back; otherwise the existing contents are parsed as a
// secret. Returns ErrIdentityIO if the file is unreadable/unwritable,
// ErrIdentityParse if non-empty contents are not a valid secret.
func Load(path string) (*Identity, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("%w: create identity directory: %v", bmailerr.ErrIdentityIO, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", bmailerr.ErrIdentityIO, path, err)
	}
	defer f.Close()

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", bmailerr.ErrIdentityIO, path, err)
	}

	text := strings.TrimSpace(string(contents))
	if text == "" {
		return generateAndSave(f)
	}
	return parse(text)
}

func generateAndSave(f *os.File) (*Identity, error) {
	secret, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("%w: generate x25519 identity: %v", bmailerr.ErrIdentityIO, err)
	}

	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("%w: truncate identity file: %v", bmailerr.ErrIdentityIO, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: seek identity file: %v", bmailerr.ErrIdentityIO, err)
	}
	if _, err := f.Write(append(bytes.TrimSpace([]byte(secret.String())), '\n')); err != nil {
		return nil, fmt.Errorf("%w: write identity file: %v", bmailerr.ErrIdentityIO, err)
	}

	return &Identity{Secret: secret, PublicKey: secret.Recipient().String()}, nil
}

func parse(text string) (*Identity, error) {
	secret, err := age.ParseX25519Identity(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bmailerr.ErrIdentityParse, err)
	}
	return &Identity{Secret: secret, PublicKey: secret.Recipient().String()}, nil
}
