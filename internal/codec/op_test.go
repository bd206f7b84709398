package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestNewSignedEnvelope_Verifies(t *testing.T) {
	pub, priv := testKey(t)

	env, err := NewSignedEnvelope(TypeSettle, SettleOp{MatchID: "M1", Caller: "X"}, "n-1", priv)
	if err != nil {
		t.Fatalf("NewSignedEnvelope: %v", err)
	}
	if env.Signer != AddressFromPubKey(pub) {
		t.Fatalf("signer %q does not match key address", env.Signer)
	}
	if err := env.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestEnvelope_EncodeDecodeRoundtrip(t *testing.T) {
	_, priv := testKey(t)
	env, err := NewSignedEnvelope(TypeCancelMatch, CancelMatchOp{MatchID: "M1", Creator: "A"}, "n-2", priv)
	if err != nil {
		t.Fatalf("NewSignedEnvelope: %v", err)
	}
	b, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if err := back.Verify(); err != nil {
		t.Fatalf("decoded envelope failed auth: %v", err)
	}
	if back.Type != TypeCancelMatch || back.Nonce != "n-2" {
		t.Fatalf("roundtrip changed fields: %+v", back)
	}
}

func TestEnvelope_Verify_RejectsTampering(t *testing.T) {
	_, priv := testKey(t)
	_, otherPriv := testKey(t)

	fresh := func(t *testing.T) Envelope {
		t.Helper()
		env, err := NewSignedEnvelope(TypeReveal, RevealOp{MatchID: "M1", Player: "A", Choice: 1}, "n-3", priv)
		if err != nil {
			t.Fatalf("NewSignedEnvelope: %v", err)
		}
		return env
	}

	env := fresh(t)
	env.Value = []byte(`{"matchId":"M1","player":"A","choice":2}`)
	if err := env.Verify(); err == nil {
		t.Fatalf("tampered value must not verify")
	}

	env = fresh(t)
	env.Nonce = "n-4"
	if err := env.Verify(); err == nil {
		t.Fatalf("tampered nonce must not verify")
	}

	env = fresh(t)
	env.Type = TypeSettle
	if err := env.Verify(); err == nil {
		t.Fatalf("tampered type must not verify")
	}

	// Swapping in a different key breaks the signer/pubkey binding even with
	// a fresh signature.
	env = fresh(t)
	otherPub := otherPriv.Public().(ed25519.PublicKey)
	env.PubKey = []byte(otherPub)
	env.Sig = ed25519.Sign(otherPriv, SignBytes(env.Type, env.Value, env.Nonce, env.Signer))
	if err := env.Verify(); err == nil {
		t.Fatalf("pubkey substitution must not verify")
	}

	env = fresh(t)
	env.Signer = ""
	if err := env.Verify(); err == nil {
		t.Fatalf("missing signer must not verify")
	}
}

func TestAddressFromPubKey_Deterministic(t *testing.T) {
	pub, _ := testKey(t)
	a := AddressFromPubKey(pub)
	if a != AddressFromPubKey(pub) {
		t.Fatalf("address derivation is not deterministic")
	}
	if len(a) != 40 {
		t.Fatalf("address length %d, want 40 hex chars", len(a))
	}

	other, _ := testKey(t)
	if a == AddressFromPubKey(other) {
		t.Fatalf("distinct keys produced the same address")
	}
}

func TestMatchAddress_BindsCreatorAndNonce(t *testing.T) {
	a := MatchAddress("ALICE", "n-1")
	if a != MatchAddress("ALICE", "n-1") {
		t.Fatalf("match address derivation is not deterministic")
	}
	if a == MatchAddress("ALICE", "n-2") {
		t.Fatalf("nonce change must change the match address")
	}
	if a == MatchAddress("BOB", "n-1") {
		t.Fatalf("creator change must change the match address")
	}
	// Field boundaries are explicit: shifting bytes across the separator must
	// not collide.
	if MatchAddress("AB", "C") == MatchAddress("A", "BC") {
		t.Fatalf("ambiguous field encoding")
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("{not json")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := DecodeEnvelope([]byte(`{"value":{}}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}
