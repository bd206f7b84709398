// Package match holds the canonical wagered-match model: the phase state
// machine, the pure deadline predicates that gate every ledger-mutating
// action, and the outcome/payout resolver.
//
// Everything here is synchronous and side-effect free so the protocol can be
// unit-tested without a network. Time is always passed in explicitly.
package match

import (
	"encoding/json"
	"fmt"

	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
)

// Choice is a Rock-Paper-Scissors move. Wire encoding is a single byte.
type Choice uint8

const (
	Rock     Choice = 0
	Paper    Choice = 1
	Scissors Choice = 2
)

// ParseChoice validates a wire byte.
func ParseChoice(b uint8) (Choice, error) {
	if b > uint8(Scissors) {
		return 0, fmt.Errorf("invalid choice byte %d", b)
	}
	return Choice(b), nil
}

// Beats reports whether c wins against other.
func (c Choice) Beats(other Choice) bool {
	switch {
	case c == Rock && other == Scissors:
		return true
	case c == Paper && other == Rock:
		return true
	case c == Scissors && other == Paper:
		return true
	}
	return false
}

func (c Choice) String() string {
	switch c {
	case Rock:
		return "rock"
	case Paper:
		return "paper"
	case Scissors:
		return "scissors"
	}
	return fmt.Sprintf("choice(%d)", uint8(c))
}

// ChoiceFromName parses the human-readable form used by the CLI and gateway.
func ChoiceFromName(s string) (Choice, error) {
	switch s {
	case "rock":
		return Rock, nil
	case "paper":
		return Paper, nil
	case "scissors":
		return Scissors, nil
	}
	return 0, fmt.Errorf("unknown choice %q (want rock|paper|scissors)", s)
}

// Status is the match phase. Transitions are monotonic; see Apply* in
// machine.go for the legal edges.
type Status string

const (
	StatusWaitingForOpponent Status = "waitingForOpponent"
	StatusWaitingForReveal   Status = "waitingForReveal"
	StatusReadyToSettle      Status = "readyToSettle"
	StatusSettled            Status = "settled"
	StatusCancelled          Status = "cancelled"
	StatusTimedOut           Status = "timedOut"
)

// Rank orders statuses along the forward direction of the state machine.
// Terminal states share the top rank; the sync client uses this to refuse
// backward reconciliation.
func (s Status) Rank() int {
	switch s {
	case StatusWaitingForOpponent:
		return 0
	case StatusWaitingForReveal:
		return 1
	case StatusReadyToSettle:
		return 2
	case StatusSettled, StatusCancelled, StatusTimedOut:
		return 3
	}
	return -1
}

// Terminal reports whether s is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Seat is one of the two participant roles.
type Seat string

const (
	SeatCreator  Seat = "creator"
	SeatOpponent Seat = "opponent"
)

// MaxFeeBps caps the settlement fee a match may be created with (5%).
const MaxFeeBps uint32 = 500

// Match is the canonical match-account snapshot. The ID is the ledger account
// address. Absent opponent/reveals are nil, never sentinel values; an
// all-zero commitment hash means "not committed".
type Match struct {
	ID string `json:"id"`

	Creator  string  `json:"creator"`
	Opponent *string `json:"opponent,omitempty"`

	BetAmount uint64  `json:"betAmount"`
	TokenMint *string `json:"tokenMint,omitempty"`

	CommitmentCreator  commitment.Hash `json:"commitmentCreator"`
	CommitmentOpponent commitment.Hash `json:"commitmentOpponent"`

	RevealedCreator  *Choice `json:"revealedCreator,omitempty"`
	RevealedOpponent *Choice `json:"revealedOpponent,omitempty"`

	JoinDeadline   int64 `json:"joinDeadline"`
	RevealDeadline int64 `json:"revealDeadline"`

	Status Status `json:"status"`
	FeeBps uint32 `json:"feeBps"`

	CreatedAt int64 `json:"createdAt"`
}

// SeatOf returns the seat held by addr, if any.
func (m *Match) SeatOf(addr string) (Seat, bool) {
	if addr == m.Creator {
		return SeatCreator, true
	}
	if m.Opponent != nil && addr == *m.Opponent {
		return SeatOpponent, true
	}
	return "", false
}

// CommitmentFor returns the stored commitment for a seat.
func (m *Match) CommitmentFor(seat Seat) commitment.Hash {
	if seat == SeatCreator {
		return m.CommitmentCreator
	}
	return m.CommitmentOpponent
}

// RevealedFor returns the revealed choice for a seat, if present.
func (m *Match) RevealedFor(seat Seat) *Choice {
	if seat == SeatCreator {
		return m.RevealedCreator
	}
	return m.RevealedOpponent
}

// BothRevealed reports whether both seats have revealed.
func (m *Match) BothRevealed() bool {
	return m.RevealedCreator != nil && m.RevealedOpponent != nil
}

// Clone returns a deep copy; snapshots handed across goroutines are always
// copies so a fetched update can replace them atomically.
func (m *Match) Clone() *Match {
	out := *m
	if m.Opponent != nil {
		v := *m.Opponent
		out.Opponent = &v
	}
	if m.TokenMint != nil {
		v := *m.TokenMint
		out.TokenMint = &v
	}
	if m.RevealedCreator != nil {
		v := *m.RevealedCreator
		out.RevealedCreator = &v
	}
	if m.RevealedOpponent != nil {
		v := *m.RevealedOpponent
		out.RevealedOpponent = &v
	}
	return &out
}

// Equal compares two snapshots structurally.
func (m *Match) Equal(other *Match) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, err := json.Marshal(m)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
