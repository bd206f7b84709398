// Package secret persists the (choice, salt, nonce) tuple between commit and
// reveal. Losing a record before reveal forfeits the wager, so records are
// written before the commitment is submitted and deleted only after the match
// reaches a terminal state.
package secret

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
)

const secretsBucket = "rps:secrets"

// ErrNotFound is returned by Load when no record exists for a match.
var ErrNotFound = errors.New("no secret recorded for match")

// Record is the persisted local secret, keyed by match id. One record per
// (player, match) pair.
type Record struct {
	MatchID    string          `json:"matchId"`
	Choice     uint8           `json:"choice"`
	Salt       []byte          `json:"salt"` // 32 bytes
	Nonce      uint64          `json:"nonce"`
	Commitment commitment.Hash `json:"commitment"`
	CreatedAt  int64           `json:"createdAt"`
}

// SaltArray returns the salt as the fixed-size form the codec wants.
func (r *Record) SaltArray() ([commitment.SaltSize]byte, error) {
	if len(r.Salt) != commitment.SaltSize {
		return [commitment.SaltSize]byte{}, fmt.Errorf("secret for %s has %d-byte salt, want %d", r.MatchID, len(r.Salt), commitment.SaltSize)
	}
	var out [commitment.SaltSize]byte
	copy(out[:], r.Salt)
	return out, nil
}

// Store is a bbolt-backed secret store. Safe for concurrent use; bbolt
// serializes writers.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create secret store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "secrets.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(secretsBucket))
		if err != nil {
			return fmt.Errorf("create %s bucket: %w", secretsBucket, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize secret store: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts the record for rec.MatchID. Called once, right after a
// commitment is generated and before it is submitted.
func (s *Store) Save(rec Record) error {
	if rec.MatchID == "" {
		return fmt.Errorf("save secret: missing match id")
	}
	if len(rec.Salt) != commitment.SaltSize {
		return fmt.Errorf("save secret: salt must be %d bytes, got %d", commitment.SaltSize, len(rec.Salt))
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode secret: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Put([]byte(rec.MatchID), b)
	})
	if err != nil {
		return fmt.Errorf("save secret for %s: %w", rec.MatchID, err)
	}
	return nil
}

// Load returns the record for matchID, or ErrNotFound.
func (s *Store) Load(matchID string) (*Record, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(secretsBucket)).Get([]byte(matchID))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load secret for %s: %w", matchID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("load secret for %s: %w", matchID, ErrNotFound)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode secret for %s: %w", matchID, err)
	}
	return &rec, nil
}

// Delete removes the record for matchID. Deleting a missing record is a
// no-op. Callers must not delete before the reveal has been confirmed
// accepted, so a failed reveal submission can still be retried.
func (s *Store) Delete(matchID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Delete([]byte(matchID))
	})
	if err != nil {
		return fmt.Errorf("delete secret for %s: %w", matchID, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	//nolint:wrapcheck
	return s.db.Close()
}
