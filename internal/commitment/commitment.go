// Package commitment builds and verifies the one-way hash that binds a hidden
// choice to a specific player and match attempt.
//
// Layout: sha256(choiceByte || salt(32) || playerPubKey(32) || nonce as 8-byte LE).
// The nonce is not secret; it only lets the same (choice, salt) pair be
// committed more than once without producing the same hash.
package commitment

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// SaltSize is the required salt length in bytes.
	SaltSize = 32
	// PlayerSize is the required player identity length (ed25519 public key).
	PlayerSize = 32
	// HashSize is the commitment hash length.
	HashSize = sha256.Size

	// MaxChoice is the largest valid choice byte (rock=0, paper=1, scissors=2).
	MaxChoice = 2
)

// Hash is a fixed-length commitment. The all-zero value means "not committed".
type Hash [HashSize]byte

// IsZero reports whether h is the "not committed" sentinel.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("commitment hash: %w", err)
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex-encoded commitment hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("commitment hash: invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("commitment hash: got %d bytes want %d", len(b), HashSize)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// GenerateSalt returns 32 bytes from crypto/rand. A reused or predictable salt
// makes the committed choice guessable, so any failure is returned as-is
// instead of falling back to a weaker source.
func GenerateSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return [SaltSize]byte{}, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce returns a random uint64 for hash-input disambiguation.
func GenerateNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Commit computes the commitment hash. It fails closed on malformed inputs:
// no best-effort hash is ever produced for an out-of-range choice or a
// wrong-length salt/player.
func Commit(choice uint8, salt [SaltSize]byte, player []byte, nonce uint64) (Hash, error) {
	if choice > MaxChoice {
		return Hash{}, fmt.Errorf("commit: choice %d out of range", choice)
	}
	if len(player) != PlayerSize {
		return Hash{}, fmt.Errorf("commit: player identity must be %d bytes, got %d", PlayerSize, len(player))
	}
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)

	hasher := sha256.New()
	hasher.Write([]byte{choice})
	hasher.Write(salt[:])
	hasher.Write(player)
	hasher.Write(nonceLE[:])

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, nil
}

// Verify recomputes the commitment and compares for exact equality. Malformed
// inputs verify as false rather than erroring; a dishonest reveal and a broken
// reveal are rejected the same way.
func Verify(h Hash, choice uint8, salt [SaltSize]byte, player []byte, nonce uint64) bool {
	computed, err := Commit(choice, salt, player, nonce)
	if err != nil {
		return false
	}
	return bytes.Equal(computed[:], h[:])
}
