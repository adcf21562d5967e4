// Package keymanager implements the KEK/DEK key hierarchy: a scrypt-derived
// Key Encryption Key wraps a random Data Encryption Key, so rotating the
// KDF cost parameter never requires re-encrypting stored PHI — only the
// wrapped DEK is re-sealed.
//
// Grounded on scrubiq/crypto/keys.py's KeyManager class.
package keymanager

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"scrubiq/internal/cryptoutil"
	"scrubiq/internal/errs"
)

const dekLen = 32

// KeyManager holds the KEK/DEK hierarchy for one vault. Not safe to share
// across goroutines without external synchronization beyond what it already
// does internally — callers should still treat Lock/Destroy as exclusive
// operations relative to Encrypt/Decrypt.
type KeyManager struct {
	mu sync.Mutex

	salt     []byte
	scryptN  int
	scryptR  int
	scryptP  int
	kek      *cryptoutil.AEAD
	dek      *cryptoutil.AEAD
	dekBytes []byte // kept only so Lock/Destroy can zero it directly
	encDEK   []byte
}

// New derives a fresh KeyManager's KEK from keyMaterial. salt is generated
// when nil (fresh vault); pass the stored salt to reopen an existing one.
func New(keyMaterial string, salt []byte, n, r, p int) (*KeyManager, error) {
	key, usedSalt, err := cryptoutil.DeriveKey(keyMaterial, salt, n, r, p)
	if err != nil {
		return nil, fmt.Errorf("keymanager: deriving KEK: %w", err)
	}
	defer cryptoutil.ZeroBytes(key)

	kek, err := cryptoutil.NewAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("keymanager: building KEK cipher: %w", err)
	}
	return &KeyManager{salt: usedSalt, scryptN: n, scryptR: r, scryptP: p, kek: kek}, nil
}

// Salt returns the scrypt salt used to derive the KEK, for persisting
// alongside the encrypted DEK.
func (km *KeyManager) Salt() []byte { return km.salt }

// ScryptN returns the cost parameter the KEK was derived with.
func (km *KeyManager) ScryptN() int { return km.scryptN }

// NeedsKDFUpgrade reports whether the current scrypt N is slower (larger)
// than targetN, meaning this vault should be upgraded to faster parameters.
func (km *KeyManager) NeedsKDFUpgrade(targetN int) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.scryptN > targetN
}

// IsUnlocked reports whether a DEK is currently loaded.
func (km *KeyManager) IsUnlocked() bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.dek != nil
}

// GenerateDEK creates a new random DEK, wraps it with the KEK, and returns
// the wrapped bytes for storage.
func (km *KeyManager) GenerateDEK() ([]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.kek == nil {
		return nil, fmt.Errorf("keymanager: destroyed, KEK no longer available")
	}
	raw := make([]byte, dekLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("keymanager: generating DEK: %w", err)
	}
	return km.setDEKLocked(raw)
}

// LoadDEK unwraps a previously stored encrypted DEK with the KEK.
func (km *KeyManager) LoadDEK(encryptedDEK []byte) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.kek == nil {
		return fmt.Errorf("keymanager: destroyed, KEK no longer available")
	}
	raw, err := km.kek.Decrypt(encryptedDEK)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidKey, err)
	}
	defer cryptoutil.ZeroBytes(raw)
	_, err = km.setDEKLocked(raw)
	return err
}

func (km *KeyManager) setDEKLocked(raw []byte) ([]byte, error) {
	dekCipher, err := cryptoutil.NewAEAD(raw)
	if err != nil {
		return nil, fmt.Errorf("keymanager: building DEK cipher: %w", err)
	}
	encDEK, err := km.kek.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("keymanager: wrapping DEK: %w", err)
	}

	if km.dek != nil {
		km.dek.Zero()
	}
	km.dekBytes = make([]byte, len(raw))
	copy(km.dekBytes, raw)
	km.dek = dekCipher
	km.encDEK = encDEK
	return encDEK, nil
}

// Encrypt seals plaintext with the DEK, generating one if none is loaded.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	km.mu.Lock()
	dek := km.dek
	km.mu.Unlock()
	if dek == nil {
		if _, err := km.GenerateDEK(); err != nil {
			return nil, err
		}
		km.mu.Lock()
		dek = km.dek
		km.mu.Unlock()
	}
	return dek.Encrypt(plaintext)
}

// Decrypt opens ciphertext with the DEK. Fails if the vault is locked.
func (km *KeyManager) Decrypt(ciphertext []byte) ([]byte, error) {
	km.mu.Lock()
	dek := km.dek
	km.mu.Unlock()
	if dek == nil {
		return nil, errs.ErrSessionLocked
	}
	return dek.Decrypt(ciphertext)
}

// GetEncryptedDEK returns the currently wrapped DEK, for persisting.
func (km *KeyManager) GetEncryptedDEK() []byte {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.encDEK
}

// UpgradeKDF re-derives the KEK with targetN (normally faster/smaller than
// the current N) and re-wraps the already-loaded DEK under it. The DEK
// itself, and therefore all data already encrypted with it, is unchanged.
func (km *KeyManager) UpgradeKDF(keyMaterial string, targetN, r, p int) (salt, encryptedDEK []byte, err error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.dek == nil {
		return nil, nil, fmt.Errorf("keymanager: cannot upgrade KDF: %w", errs.ErrSessionLocked)
	}

	newKey, newSalt, err := cryptoutil.DeriveKey(keyMaterial, nil, targetN, r, p)
	if err != nil {
		return nil, nil, fmt.Errorf("keymanager: deriving upgraded KEK: %w", err)
	}
	defer cryptoutil.ZeroBytes(newKey)

	newKEK, err := cryptoutil.NewAEAD(newKey)
	if err != nil {
		return nil, nil, fmt.Errorf("keymanager: building upgraded KEK cipher: %w", err)
	}
	newEncDEK, err := newKEK.Encrypt(km.dekBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("keymanager: re-wrapping DEK: %w", err)
	}

	km.kek.Zero()
	km.kek = newKEK
	km.salt = newSalt
	km.scryptN = targetN
	km.scryptR = r
	km.scryptP = p
	km.encDEK = newEncDEK

	return newSalt, newEncDEK, nil
}

// Lock clears the DEK from memory. The vault can be reopened with LoadDEK
// using the same key material; the wrapped DEK itself remains valid.
func (km *KeyManager) Lock() {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.dek != nil {
		km.dek.Zero()
		km.dek = nil
	}
	cryptoutil.ZeroBytes(km.dekBytes)
	km.dekBytes = nil
}

// Destroy clears both the DEK and the KEK from memory. The KeyManager must
// not be used after calling this.
func (km *KeyManager) Destroy() {
	km.Lock()
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.kek != nil {
		km.kek.Zero()
		km.kek = nil
	}
}

// ExportKeys returns the salt and wrapped DEK, base64-encoded, for storage
// alongside the vault.
func (km *KeyManager) ExportKeys() (saltB64, encDEKB64 string, err error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.encDEK == nil {
		return "", "", fmt.Errorf("keymanager: no DEK generated yet")
	}
	return base64.StdEncoding.EncodeToString(km.salt), base64.StdEncoding.EncodeToString(km.encDEK), nil
}
