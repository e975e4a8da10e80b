// Package identity handles portable identity records: JSON files naming a
// user and their Ed25519 public key, stored under the repository's
// identities directory and exchanged during remote sync.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Identity is the portable (public) form of an identity record.
type Identity struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name,omitempty"`
	Email        string    `json:"email,omitempty"`
	PublicKey    string    `json:"public_key"`
	LastModified time.Time `json:"last_modified"`
}

// Key is a local signing key pair.
type Key struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKey creates a fresh Ed25519 key pair.
func GenerateKey() (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Key{Public: pub, Private: priv}, nil
}

// EncodedPublic returns the base64 form used in identity records and the key
// proof protocol.
func (k *Key) EncodedPublic() string {
	return base64.URLEncoding.EncodeToString(k.Public)
}

// Sign signs a server challenge.
func (k *Key) Sign(challenge []byte) string {
	return base64.URLEncoding.EncodeToString(ed25519.Sign(k.Private, challenge))
}

// Verify checks a base64 signature over a challenge against a base64 public
// key.
func Verify(encodedPub string, challenge []byte, encodedSig string) bool {
	pub, err := base64.URLEncoding.DecodeString(encodedPub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.URLEncoding.DecodeString(encodedSig)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), challenge, sig)
}

// Write stores the record under dir, keyed by public key, creating the
// directory on demand.
func (id *Identity) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("identity: create dir: %w", err)
	}
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	path := filepath.Join(dir, id.PublicKey)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// Load reads one record by public key.
func Load(dir, publicKey string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, publicKey))
	if err != nil {
		return nil, err
	}
	id := &Identity{}
	if err := json.Unmarshal(raw, id); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", publicKey, err)
	}
	return id, nil
}

// List reads every record in dir. A missing directory lists as empty.
func List(dir string) ([]*Identity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	var out []*Identity
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := Load(dir, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
