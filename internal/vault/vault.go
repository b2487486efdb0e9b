// Package vault implements the per-tenant credential vault: master key
// hashing, HKDF key derivation, and authenticated encryption of upstream API
// keys. Plaintext keys exist only transiently in memory; nothing in this
// package logs or persists them.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	"github.com/xenking/orderdesk-bridge/internal/fault"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // 96-bit GCM nonce
	tagLen   = 16
	saltLen  = 32

	// kdfInfoPrefix binds derived keys to a tenant identity so two tenants
	// sharing a salt (which should never happen) still get distinct keys.
	kdfInfoPrefix = "orderdesk-bridge/tenant/"
)

// EncryptedCredential holds the three AES-GCM components, base64-encoded.
// The invariant is that all three are set together or not at all.
type EncryptedCredential struct {
	Ciphertext string
	Tag        string
	Nonce      string
}

// Vault derives tenant keys from a process-wide root secret and performs
// credential encryption. Safe for concurrent use.
type Vault struct {
	root []byte
}

// New creates a Vault from a base64-encoded root secret. The decoded secret
// must be at least 32 bytes.
func New(rootKeyB64 string) (*Vault, error) {
	root, err := base64.StdEncoding.DecodeString(rootKeyB64)
	if err != nil {
		// Accept URL-safe encoding as well; deployment tooling differs.
		root, err = base64.URLEncoding.DecodeString(rootKeyB64)
		if err != nil {
			return nil, errors.Wrap(err, "decode root key")
		}
	}
	if len(root) < keyLen {
		return nil, errors.Errorf("root key must be at least %d bytes, got %d", keyLen, len(root))
	}
	return &Vault{root: root}, nil
}

// HashMasterKey hashes a tenant master key with bcrypt at the default cost.
func (v *Vault) HashMasterKey(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt")
	}
	return string(hash), nil
}

// VerifyMasterKey reports whether plain matches the stored bcrypt hash.
// bcrypt comparison is constant-time with respect to the hash.
func (v *Vault) VerifyMasterKey(plain, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plain)) == nil
}

// DeriveTenantKey derives the tenant's 32-byte symmetric key with
// HKDF-SHA256 over the root secret, salted with the tenant's stored salt and
// info-bound to the tenant id. Deterministic for a fixed (root, salt, id)
// triple, so the key is re-derived on every request and never stored.
func (v *Vault) DeriveTenantKey(tenantID, salt string) ([]byte, error) {
	r := hkdf.New(sha256.New, v.root, []byte(salt), []byte(kdfInfoPrefix+tenantID))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "hkdf expand")
	}
	return key, nil
}

// EncryptCredential encrypts plaintext with AES-256-GCM under tenantKey,
// using a freshly random 96-bit nonce. Ciphertext, tag, and nonce are
// returned as separate base64 fields.
func (v *Vault) EncryptCredential(plaintext string, tenantKey []byte) (EncryptedCredential, error) {
	aead, err := newGCM(tenantKey)
	if err != nil {
		return EncryptedCredential{}, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedCredential{}, errors.Wrap(err, "generate nonce")
	}

	// Seal appends the tag to the ciphertext; split them for storage.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return EncryptedCredential{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// DecryptCredential reverses EncryptCredential. A tag mismatch (tampered
// data or wrong key) fails hard with fault.Integrity.
func (v *Vault) DecryptCredential(enc EncryptedCredential, tenantKey []byte) (string, error) {
	aead, err := newGCM(tenantKey)
	if err != nil {
		return "", err
	}

	ct, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", &fault.Integrity{Detail: "malformed ciphertext encoding"}
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return "", &fault.Integrity{Detail: "malformed tag encoding"}
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return "", &fault.Integrity{Detail: "malformed nonce encoding"}
	}
	if len(nonce) != nonceLen {
		return "", &fault.Integrity{Detail: "unexpected nonce length"}
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", &fault.Integrity{Detail: "authentication tag mismatch"}
	}
	return string(plaintext), nil
}

// GenerateSalt returns a random hex-encoded 32-byte salt for key derivation.
func (v *Vault) GenerateSalt() (string, error) {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	return hex.EncodeToString(b), nil
}

// GenerateMasterKey returns a random base64-encoded 32-byte master key,
// used when provisioning a tenant without a caller-supplied secret.
func (v *Vault) GenerateMasterKey() (string, error) {
	b := make([]byte, keyLen)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate master key")
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLen {
		return nil, errors.Errorf("tenant key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm mode")
	}
	return aead, nil
}
