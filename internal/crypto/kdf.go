// Package crypto protects the agent's Nostr secret key at rest with an
// Argon2id-derived AES-256-GCM key.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KDFParams are the Argon2id cost parameters recorded in a keystore file.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"` // KiB
	Threads uint8  `json:"threads"`
}

// DefaultKDF is used for newly sealed keys.
var DefaultKDF = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

const (
	keyLen  = 32
	saltLen = 32
)

// DeriveKey stretches password into a 256-bit key.
func DeriveKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, keyLen)
}

// GenerateSalt returns a random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return fmt.Errorf("invalid kdf params %+v", p)
	}
	return nil
}
