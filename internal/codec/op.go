// Package codec defines the signed operation envelope submitted to the
// ledger and the payloads of every match operation.
//
// Operations are JSON-encoded. The envelope is self-authenticating: it
// carries the signer's ed25519 public key, and the signer address must equal
// the address derived from that key, so no registration step is needed.
package codec

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cometbft/cometbft/crypto/tmhash"

	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
)

// Operation types routed by the ledger.
const (
	TypeCreateMatch  = "rps/create_match"
	TypeJoinMatch    = "rps/join_match"
	TypeReveal       = "rps/reveal"
	TypeSettle       = "rps/settle"
	TypeCancelMatch  = "rps/cancel_match"
	TypeClaimTimeout = "rps/claim_timeout"
)

const signDomain = "rps/op/v1"

// Envelope is the operation container.
//
// Sig is an ed25519 signature over SignBytes(type, value, nonce, signer).
// Nonce is a client-unique string included in the signed message for replay
// protection and match-address derivation.
type Envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`

	Nonce  string `json:"nonce"`
	Signer string `json:"signer"`
	PubKey []byte `json:"pubKey"` // 32 bytes, base64 in JSON
	Sig    []byte `json:"sig"`
}

// SignBytes builds the domain-separated message covered by the signature:
// DOMAIN || 0x00 || type || 0x00 || nonce || 0x00 || signer || 0x00 || sha256(value).
func SignBytes(typ string, value []byte, nonce string, signer string) []byte {
	sum := sha256.Sum256(value)
	out := make([]byte, 0, len(signDomain)+1+len(typ)+1+len(nonce)+1+len(signer)+1+sha256.Size)
	out = append(out, []byte(signDomain)...)
	out = append(out, 0)
	out = append(out, []byte(typ)...)
	out = append(out, 0)
	out = append(out, []byte(nonce)...)
	out = append(out, 0)
	out = append(out, []byte(signer)...)
	out = append(out, 0)
	out = append(out, sum[:]...)
	return out
}

// AddressFromPubKey derives the account address: uppercase hex of the
// truncated sha256 of the public key.
func AddressFromPubKey(pub []byte) string {
	return strings.ToUpper(hex.EncodeToString(tmhash.SumTruncated(pub)))
}

// MatchAddress derives the match account address from the creator and the
// creation operation's nonce. Both the client and the ledger compute it, so
// the creator knows the match id before the operation confirms.
func MatchAddress(creator string, opNonce string) string {
	h := sha256.New()
	h.Write([]byte("rps/match"))
	h.Write([]byte{0})
	h.Write([]byte(creator))
	h.Write([]byte{0})
	h.Write([]byte(opNonce))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:tmhash.TruncatedSize]))
}

// NewSignedEnvelope marshals value and signs the envelope with priv.
func NewSignedEnvelope(typ string, value any, nonce string, priv ed25519.PrivateKey) (Envelope, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s value: %w", typ, err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	signer := AddressFromPubKey(pub)
	env := Envelope{
		Type:   typ,
		Value:  raw,
		Nonce:  nonce,
		Signer: signer,
		PubKey: []byte(pub),
	}
	env.Sig = ed25519.Sign(priv, SignBytes(typ, raw, nonce, signer))
	return env, nil
}

// Verify checks structural validity, the pubkey/address binding and the
// signature. The ledger backends call this before dispatching.
func (e Envelope) Verify() error {
	if e.Type == "" {
		return fmt.Errorf("missing op.type")
	}
	if e.Nonce == "" {
		return fmt.Errorf("missing op.nonce")
	}
	if e.Signer == "" {
		return fmt.Errorf("missing op.signer")
	}
	if len(e.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid op.pubKey length: got %d want %d", len(e.PubKey), ed25519.PublicKeySize)
	}
	if len(e.Sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid op.sig length: got %d want %d", len(e.Sig), ed25519.SignatureSize)
	}
	if AddressFromPubKey(e.PubKey) != e.Signer {
		return fmt.Errorf("op signer %q does not match pubKey address", e.Signer)
	}
	msg := SignBytes(e.Type, e.Value, e.Nonce, e.Signer)
	if !ed25519.Verify(ed25519.PublicKey(e.PubKey), msg, e.Sig) {
		return fmt.Errorf("invalid op signature")
	}
	return nil
}

// Encode serializes the envelope for submission.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode op envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses raw operation bytes.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid op json: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing op.type")
	}
	return env, nil
}

// ---- Operation payloads ----

type CreateMatchOp struct {
	Creator    string          `json:"creator"`
	BetAmount  uint64          `json:"betAmount"`
	TokenMint  *string         `json:"tokenMint,omitempty"`
	Commitment commitment.Hash `json:"commitment"`

	JoinDeadline   int64  `json:"joinDeadline"`
	RevealDeadline int64  `json:"revealDeadline"`
	FeeBps         uint32 `json:"feeBps"`
}

type JoinMatchOp struct {
	MatchID    string          `json:"matchId"`
	Player     string          `json:"player"`
	Commitment commitment.Hash `json:"commitment"`
}

type RevealOp struct {
	MatchID string `json:"matchId"`
	Player  string `json:"player"`
	Choice  uint8  `json:"choice"`
	Salt    []byte `json:"salt"` // 32 bytes, base64 in JSON
	Nonce   uint64 `json:"nonce"`
}

type SettleOp struct {
	MatchID string `json:"matchId"`
	Caller  string `json:"caller"`
}

type CancelMatchOp struct {
	MatchID string `json:"matchId"`
	Creator string `json:"creator"`
}

type ClaimTimeoutOp struct {
	MatchID string `json:"matchId"`
	Claimer string `json:"claimer"`
}
