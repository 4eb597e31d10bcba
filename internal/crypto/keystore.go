package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"
)

const keystoreVersion = 1

var (
	// ErrWrongPassword is returned when a keystore cannot be opened with the
	// supplied password.
	ErrWrongPassword = errors.New("keystore: wrong password or corrupt file")
	ErrInvalidSecret = errors.New("keystore: secret key must be 64 hex characters")
)

// Keystore is the on-disk form of a sealed secret key.
type Keystore struct {
	Version    int       `json:"version"`
	Pubkey     string    `json:"pubkey"`
	KDF        KDFParams `json:"kdf"`
	Salt       string    `json:"salt"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
}

// Seal encrypts a hex secret key with password.
func Seal(secret, password string, p KDFParams) (*Keystore, error) {
	pub, err := publicKey(secret)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	raw, _ := hex.DecodeString(secret)
	ct, nonce, err := aesSeal(DeriveKey(password, salt, p), raw)
	if err != nil {
		return nil, err
	}
	return &Keystore{
		Version:    keystoreVersion,
		Pubkey:     pub,
		KDF:        p,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ct),
	}, nil
}

// Open decrypts the keystore and returns the hex secret key. The recovered
// key must match the recorded pubkey.
func (ks *Keystore) Open(password string) (string, error) {
	if ks.Version != keystoreVersion {
		return "", fmt.Errorf("keystore: unsupported version %d", ks.Version)
	}
	if err := ks.KDF.validate(); err != nil {
		return "", err
	}
	salt, err1 := hex.DecodeString(ks.Salt)
	nonce, err2 := hex.DecodeString(ks.Nonce)
	ct, err3 := hex.DecodeString(ks.Ciphertext)
	if err := errors.Join(err1, err2, err3); err != nil {
		return "", fmt.Errorf("keystore: %w", err)
	}

	raw, err := aesOpen(DeriveKey(password, salt, ks.KDF), ct, nonce)
	if err != nil {
		return "", ErrWrongPassword
	}
	secret := hex.EncodeToString(raw)
	pub, err := publicKey(secret)
	if err != nil || pub != ks.Pubkey {
		return "", ErrWrongPassword
	}
	return secret, nil
}

// WriteFile stores the keystore at path with owner-only permissions.
func (ks *Keystore) WriteFile(path string) error {
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ReadFile loads a keystore written by WriteFile.
func ReadFile(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	return &ks, nil
}

func publicKey(secret string) (string, error) {
	if len(secret) != 64 {
		return "", ErrInvalidSecret
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", ErrInvalidSecret
	}
	pub, err := nostr.GetPublicKey(secret)
	if err != nil {
		return "", fmt.Errorf("derive pubkey: %w", err)
	}
	return pub, nil
}
