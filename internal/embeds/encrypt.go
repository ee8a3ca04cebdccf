package embeds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// VaultEncryptor encrypts embed content for the server-side cache entry
// under a user's vault key, per spec.md §4.7's dual-encryption model: the
// server only ever holds this cache-scoped ciphertext, while the client
// performs the authoritative, durable re-encryption on plaintext content
// pushed to it separately.
//
// No library in the retrieval pack offers an envelope/vault-key primitive;
// golang.org/x/crypto is present only as an indirect dependency of an
// unrelated package (SSH/JWT transitively), never imported directly for
// symmetric encryption anywhere in the corpus. AES-256-GCM via the
// standard library is the idiomatic baseline here, so it is used directly
// rather than inventing a corpus dependency that was never present.
type VaultEncryptor interface {
	Encrypt(keyID string, plaintext []byte) ([]byte, error)
	Decrypt(keyID string, ciphertext []byte) ([]byte, error)
}

// KeyResolver looks up the raw 32-byte key material for a vault key id.
// In production this resolves against the vault service; tests supply an
// in-memory stub.
type KeyResolver interface {
	ResolveKey(keyID string) ([32]byte, error)
}

var ErrKeyNotFound = errors.New("embeds: vault key not found")

// AESGCMEncryptor is the standard VaultEncryptor implementation.
type AESGCMEncryptor struct {
	keys KeyResolver
}

func NewAESGCMEncryptor(keys KeyResolver) *AESGCMEncryptor {
	return &AESGCMEncryptor{keys: keys}
}

func (e *AESGCMEncryptor) Encrypt(keyID string, plaintext []byte) ([]byte, error) {
	key, err := e.keys.ResolveKey(keyID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESGCMEncryptor) Decrypt(keyID string, ciphertext []byte) ([]byte, error) {
	key, err := e.keys.ResolveKey(keyID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("embeds: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
