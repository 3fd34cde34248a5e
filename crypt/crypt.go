// Package crypt selects and drives the AES block cipher used to encrypt
// rudt payloads when a pre-shared passphrase is configured (SRTO_PASSPHRASE),
// following the cryptMethods table kcptun's std/crypt.go uses to pick a
// BlockCrypt from a CLI-selected name and a passphrase.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// KeyLen is the AES key length rudt supports, matching SRTO_PBKEYLEN's
// 16/24/32 byte options.
type KeyLen int

const (
	AES128 KeyLen = 16
	AES192 KeyLen = 24
	AES256 KeyLen = 32
)

// salt is fixed and public, the same tradeoff kcptun's key derivation
// makes: the passphrase itself is the secret, not the salt.
var salt = []byte("rudt-pbkdf2-salt")

const pbkdf2Iterations = 4096

// BlockCrypt encrypts/decrypts one packet payload using AES-GCM, returning
// a new slice (Seal prefixes the nonce, Open strips it),
// keyed by a passphrase-derived key. A zero-value passphrase means
// encryption is disabled; NewBlockCrypt returns nil, nil in that case and
// callers must treat a nil BlockCrypt as "send/receive payloads as-is".
type BlockCrypt struct {
	gcm cipher.AEAD
}

// NewBlockCrypt derives an AES key from passphrase via PBKDF2 (SHA3-256),
// matching the KDF shape kcptun uses (pbkdf2.Key(pass, salt, 4096, keylen,
// sha1.New) generalized here to SHA3 since rudt has no legacy wire
// compatibility constraint to preserve).
func NewBlockCrypt(passphrase string, keyLen KeyLen) (*BlockCrypt, error) {
	if passphrase == "" {
		return nil, nil
	}
	if keyLen != AES128 && keyLen != AES192 && keyLen != AES256 {
		return nil, errors.Errorf("crypt: invalid key length %d", keyLen)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, int(keyLen), sha3.New256)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &BlockCrypt{gcm: gcm}, nil
}

// Seal encrypts plaintext, prefixing the random nonce to the returned
// ciphertext so Open can recover it without a separate channel.
func (c *BlockCrypt) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal, reading the nonce back out of the ciphertext's prefix.
func (c *BlockCrypt) Open(ciphertext []byte) ([]byte, error) {
	n := c.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("crypt: ciphertext too short")
	}
	nonce, ct := ciphertext[:n], ciphertext[n:]
	pt, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pt, nil
}
