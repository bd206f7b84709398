package match

import (
	"github.com/Simlowker/RPC-game-sub000/internal/commitment"
)

// The Apply* functions are the only way a Match mutates. Each one checks its
// full guard before touching the snapshot, so a returned error guarantees the
// match is byte-for-byte unchanged. The ledger backends and the client share
// these functions; guard/ledger disagreement is a bug by construction, not a
// runtime mode.

// CreateParams are the inputs to a match creation.
type CreateParams struct {
	ID        string
	Creator   string
	BetAmount uint64
	TokenMint *string

	Commitment commitment.Hash

	JoinDeadline   int64
	RevealDeadline int64
	FeeBps         uint32
}

// Create validates the creation guard and returns a fresh match in
// StatusWaitingForOpponent.
func Create(p CreateParams, now int64) (*Match, error) {
	if p.BetAmount == 0 {
		return nil, ErrZeroBet
	}
	if p.FeeBps > MaxFeeBps {
		return nil, ErrFeeTooHigh
	}
	if p.JoinDeadline <= now {
		return nil, ErrJoinDeadline
	}
	if p.RevealDeadline <= p.JoinDeadline {
		return nil, ErrRevealDeadline
	}
	if p.Commitment.IsZero() {
		return nil, ErrNoCommitment
	}
	return &Match{
		ID:                p.ID,
		Creator:           p.Creator,
		BetAmount:         p.BetAmount,
		TokenMint:         p.TokenMint,
		CommitmentCreator: p.Commitment,
		JoinDeadline:      p.JoinDeadline,
		RevealDeadline:    p.RevealDeadline,
		Status:            StatusWaitingForOpponent,
		FeeBps:            p.FeeBps,
		CreatedAt:         now,
	}, nil
}

// ApplyJoin seats the opponent with their commitment. The opponent's
// commitment rides on the join itself; there is no separate commit step.
func ApplyJoin(m *Match, opponent string, com commitment.Hash, now int64) error {
	if m.Status != StatusWaitingForOpponent {
		if m.Status.Terminal() {
			return ErrFinalized
		}
		return ErrNotJoinable
	}
	if now >= m.JoinDeadline {
		return ErrJoinWindowClosed
	}
	if opponent == m.Creator {
		return ErrSelfJoin
	}
	if m.Opponent != nil {
		return ErrSeatTaken
	}
	if com.IsZero() {
		return ErrNoCommitment
	}

	m.Opponent = &opponent
	m.CommitmentOpponent = com
	m.Status = StatusWaitingForReveal
	return nil
}

// ApplyReveal records a verified reveal for the acting player's seat and
// auto-advances to StatusReadyToSettle once both reveals are present.
// playerPub is the 32-byte identity the commitment was bound to.
func ApplyReveal(m *Match, player string, playerPub []byte, choice Choice, salt [commitment.SaltSize]byte, nonce uint64, now int64) error {
	if m.Status != StatusWaitingForReveal {
		if m.Status.Terminal() {
			return ErrFinalized
		}
		return ErrNotRevealable
	}
	if now >= m.RevealDeadline {
		return ErrRevealWindow
	}
	seat, ok := m.SeatOf(player)
	if !ok {
		return ErrNotParticipant
	}
	stored := m.CommitmentFor(seat)
	if stored.IsZero() {
		return ErrNoCommitment
	}
	if m.RevealedFor(seat) != nil {
		return ErrAlreadyRevealed
	}
	if !commitment.Verify(stored, uint8(choice), salt, playerPub, nonce) {
		return ErrCommitmentMismatch
	}

	c := choice
	if seat == SeatCreator {
		m.RevealedCreator = &c
	} else {
		m.RevealedOpponent = &c
	}
	if m.BothRevealed() {
		m.Status = StatusReadyToSettle
	}
	return nil
}

// ApplySettle finalizes the match. Settling an already-settled match is a
// no-op success (already=true) so concurrent settlers race harmlessly.
func ApplySettle(m *Match) (already bool, err error) {
	if m.Status == StatusSettled {
		return true, nil
	}
	if m.Status != StatusReadyToSettle {
		if m.Status.Terminal() {
			return false, ErrFinalized
		}
		return false, ErrNotReadyToSettle
	}
	m.Status = StatusSettled
	return false, nil
}

// ApplyCancel withdraws an unjoined match. Only the creator may cancel, and
// only while no opponent stake is at risk.
func ApplyCancel(m *Match, actor string) error {
	if m.Status != StatusWaitingForOpponent || actor != m.Creator {
		if m.Status.Terminal() {
			return ErrFinalized
		}
		return ErrNotCancellable
	}
	m.Status = StatusCancelled
	return nil
}

// TimeoutKind names which deadline elapsed.
type TimeoutKind string

const (
	// TimeoutJoin: nobody joined before the join deadline.
	TimeoutJoin TimeoutKind = "join"
	// TimeoutReveal: at least one seat failed to reveal before the reveal
	// deadline.
	TimeoutReveal TimeoutKind = "reveal"
)

// ApplyTimeout transitions to StatusTimedOut when a timeout guard holds and
// reports which kind fired. Fund movement is the ledger's concern; see
// TimeoutBeneficiary for who is owed what.
func ApplyTimeout(m *Match, now int64) (TimeoutKind, error) {
	switch m.Status {
	case StatusWaitingForOpponent:
		if now < m.JoinDeadline {
			return "", ErrTimeoutNotDue
		}
		m.Status = StatusTimedOut
		return TimeoutJoin, nil
	case StatusWaitingForReveal:
		if now < m.RevealDeadline {
			return "", ErrTimeoutNotDue
		}
		if m.BothRevealed() {
			// Both revealed in time; the match is settleable, not dead.
			return "", ErrTimeoutNotDue
		}
		m.Status = StatusTimedOut
		return TimeoutReveal, nil
	default:
		if m.Status.Terminal() {
			return "", ErrFinalized
		}
		return "", ErrTimeoutNotDue
	}
}
