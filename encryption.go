package fieldsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000

	encryptionVersion = 1
	encryptionOverhead = 1 + EncryptionSaltSize + EncryptionNonceSize
)

// EncryptionConfig configures backup encryption at rest.
type EncryptionConfig struct {
	// Enabled turns on encryption for backup blobs
	Enabled bool
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string
}

// Encryptor seals and opens backup blobs with AES-256-GCM. Every sealed
// blob is self-contained: version byte, key-derivation salt, and nonce
// travel with the ciphertext, so a blob written before a restart still
// opens afterwards.
type Encryptor struct {
	key      []byte
	password string
}

// NewEncryptor creates an encryptor from a key or password. Returns
// (nil, nil) when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		return &Encryptor{key: append([]byte(nil), cfg.Key...)}, nil
	}
	if cfg.KeyPassword != "" {
		return &Encryptor{password: cfg.KeyPassword}, nil
	}
	return nil, errors.New("encryption enabled but no key or password provided")
}

// Encrypt seals plaintext. Layout: version | salt | nonce | ciphertext.
// Password mode derives a fresh key per blob from a random salt; raw-key
// mode writes a zero salt.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, EncryptionSaltSize)
	key := e.key
	if e.password != "" {
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(e.password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, encryptionOverhead+len(plaintext)+gcm.Overhead())
	out = append(out, encryptionVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed blob.
func (e *Encryptor) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < encryptionOverhead {
		return nil, errors.New("ciphertext too short")
	}
	if sealed[0] != encryptionVersion {
		return nil, errors.New("unsupported encryption version")
	}
	salt := sealed[1 : 1+EncryptionSaltSize]
	nonce := sealed[1+EncryptionSaltSize : encryptionOverhead]
	ciphertext := sealed[encryptionOverhead:]

	key := e.key
	if e.password != "" {
		key = pbkdf2.Key([]byte(e.password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
