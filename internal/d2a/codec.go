package d2a

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// Encrypt seals plaintext for recipientPublic with NIP-44 v2.
func Encrypt(plaintext, senderSecret, recipientPublic string) (string, error) {
	key, err := nip44.GenerateConversationKey(recipientPublic, senderSecret)
	if err != nil {
		return "", fmt.Errorf("conversation key: %w", err)
	}
	// Encrypt must be given the salt: it drops the one it generates itself.
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	ct, err := nip44.Encrypt(plaintext, key, nip44.WithCustomSalt(salt))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt opens a NIP-44 v2 payload sent by peerPublic.
func Decrypt(ciphertext, ownSecret, peerPublic string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPublic, ownSecret)
	if err != nil {
		return "", fmt.Errorf("conversation key: %w", err)
	}
	pt, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

// Encode serializes msg and encrypts it for recipientPublic.
func Encode(msg Message, senderSecret, recipientPublic string) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return Encrypt(string(data), senderSecret, recipientPublic)
}

// Parse decrypts and validates a message from peerPublic. It returns a nil
// message and an error wrapping ErrInvalidMessage for any untrusted input it
// cannot accept, and never panics.
func Parse(ciphertext, ownSecret, peerPublic string) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("%w: %v", ErrInvalidMessage, r)
		}
	}()
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrInvalidMessage)
	}
	pt, err := Decrypt(ciphertext, ownSecret, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return Decode([]byte(pt))
}
