package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
)

const keyFileName = "identity.key"

// Keypair is the client's signing identity. The address is derived from the
// public key; the 32-byte public key itself is what commitments bind to.
type Keypair struct {
	priv    ed25519.PrivateKey
	Pub     ed25519.PublicKey
	Address string
}

func newKeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{
		priv:    priv,
		Pub:     pub,
		Address: codec.AddressFromPubKey(pub),
	}, nil
}

// GenerateKeypair creates a fresh random identity (not persisted).
func GenerateKeypair() (*Keypair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key seed: %w", err)
	}
	return newKeypairFromSeed(seed)
}

// LoadOrCreateKeypair reads the hex-encoded seed from <dir>/identity.key,
// creating and persisting a new one on first use.
func LoadOrCreateKeypair(dir string) (*Keypair, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	path := filepath.Join(dir, keyFileName)

	b, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return newKeypairFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	seedHex := hex.EncodeToString(kp.priv.Seed())
	if err := os.WriteFile(path, []byte(seedHex+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return kp, nil
}
