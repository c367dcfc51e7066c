package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/cuemby/foundry/pkg/types"
)

// SecretsManager handles encryption and decryption of sealed env vars
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a password
// The password is hashed with SHA-256 to derive the encryption key
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	// Derive 32-byte key from password using SHA-256
	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// Encrypt encrypts plaintext data using AES-256-GCM
// Returns encrypted data with nonce prepended
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data encrypted with Encrypt
// Expects nonce to be prepended to ciphertext
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Check minimum length
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SealEnvVar encrypts one env var value into its at-rest form
func (sm *SecretsManager) SealEnvVar(v types.EnvVar) (types.SealedEnvVar, error) {
	ciphertext, err := sm.Encrypt([]byte(v.Value))
	if err != nil {
		return types.SealedEnvVar{}, fmt.Errorf("failed to seal env var %s: %w", v.Key, err)
	}
	return types.SealedEnvVar{
		Key:        v.Key,
		IsSecret:   v.IsSecret,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// UnsealEnvVars decrypts a sealed env var list into its in-process
// plaintext form. The result must never be persisted.
func (sm *SecretsManager) UnsealEnvVars(sealed []types.SealedEnvVar) ([]types.EnvVar, error) {
	vars := make([]types.EnvVar, 0, len(sealed))
	for _, sv := range sealed {
		ciphertext, err := base64.StdEncoding.DecodeString(sv.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decode env var %s: %w", sv.Key, err)
		}
		plaintext, err := sm.Decrypt(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal env var %s: %w", sv.Key, err)
		}
		vars = append(vars, types.EnvVar{
			Key:      sv.Key,
			Value:    string(plaintext),
			IsSecret: sv.IsSecret,
		})
	}
	return vars, nil
}
