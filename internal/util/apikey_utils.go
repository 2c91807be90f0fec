package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"golang.org/x/crypto/blake2b"
)

const (
	SecretRandomBytes = 32
	HintLength        = 4
	secretFormat      = "%s_%s"
)

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SecretPrefix returns the display prefix for an environment: sk_live or tk_test.
func SecretPrefix(env credential.Environment) string {
	if env == credential.EnvironmentLive {
		return "sk_live"
	}
	return "tk_test"
}

// Hasher derives the stored hash of a raw secret. The hash is deterministic so
// it can be used as the lookup key; the pepper keeps it useless without the server.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper string) (*Hasher, error) {
	if len(pepper) > blake2b.Size {
		return nil, fmt.Errorf("pepper must be at most %d bytes, got %d", blake2b.Size, len(pepper))
	}
	return &Hasher{pepper: []byte(pepper)}, nil
}

func (h *Hasher) Hash(rawSecret string) string {
	mac, err := blake2b.New256(h.pepper)
	if err != nil {
		// unreachable: key length is checked in NewHasher
		panic(err)
	}
	mac.Write([]byte(rawSecret))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSecret returns a new raw secret, its display prefix, hint and hash.
func (h *Hasher) GenerateSecret(env credential.Environment) (rawSecret, prefix, hint, secretHash string, err error) {
	b, err := generateRandomBytes(SecretRandomBytes)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	prefix = SecretPrefix(env)
	body := base64.RawURLEncoding.EncodeToString(b)
	rawSecret = fmt.Sprintf(secretFormat, prefix, body)
	hint = rawSecret[len(rawSecret)-HintLength:]
	secretHash = h.Hash(rawSecret)

	return rawSecret, prefix, hint, secretHash, nil
}

// LooksLikeSecret is a cheap format check done before hashing.
func LooksLikeSecret(raw string) bool {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 {
		return false
	}
	if parts[0] != "sk" && parts[0] != "tk" {
		return false
	}
	return credential.Environment(parts[1]).Valid() && len(parts[2]) > 0
}
