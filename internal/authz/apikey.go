package authz

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Application API keys authenticate check requests from client
// applications. Keys are random, shown once at issuance, and stored only as
// argon2id hashes.

const (
	apiKeyMemory      = 64 * 1024
	apiKeyIterations  = 2
	apiKeyParallelism = 1
	apiKeyLength      = 32
	apiKeySaltLength  = 16
)

// GenerateAPIKey returns a fresh random key and its argon2id hash.
func GenerateAPIKey() (key, hash string, err error) {
	raw := make([]byte, apiKeyLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(raw)
	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashAPIKey hashes a key with argon2id using a random salt.
func HashAPIKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("api key is empty")
	}
	salt := make([]byte, apiKeySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(key), salt, apiKeyIterations, apiKeyMemory, apiKeyParallelism, apiKeyLength)
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		apiKeyMemory,
		apiKeyIterations,
		apiKeyParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyAPIKey compares a presented key against a stored argon2id hash.
func VerifyAPIKey(hash, key string) error {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return errors.New("malformed api key hash")
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return errors.New("malformed api key hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return errors.New("malformed api key hash")
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return errors.New("malformed api key hash")
	}
	actual := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, uint32(len(expected)))
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return errors.New("api key mismatch")
	}
	return nil
}
