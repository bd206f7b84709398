package match

// Deadline authority: pure predicates over a match snapshot and a caller
// supplied clock reading. These four functions are the only ones allowed to
// gate a ledger-mutating action, and every client must evaluate them
// identically; they deliberately carry no side effects and read no ambient
// time.

// CanJoin reports whether actor may take the opponent seat at time now.
func CanJoin(m *Match, actor string, now int64) bool {
	if m == nil || m.Status != StatusWaitingForOpponent {
		return false
	}
	if now >= m.JoinDeadline {
		return false
	}
	if actor == m.Creator || m.Opponent != nil {
		return false
	}
	return true
}

// CanReveal reports whether actor's seat is eligible to reveal at time now.
// Commitment verification itself happens at reveal time with the local
// secret; this predicate covers everything checkable from the snapshot.
func CanReveal(m *Match, actor string, now int64) bool {
	if m == nil || m.Status != StatusWaitingForReveal {
		return false
	}
	if now >= m.RevealDeadline {
		return false
	}
	seat, ok := m.SeatOf(actor)
	if !ok {
		return false
	}
	if m.CommitmentFor(seat).IsZero() {
		return false
	}
	return m.RevealedFor(seat) == nil
}

// CanSettle reports whether the match has both reveals and awaits settlement.
func CanSettle(m *Match) bool {
	return m != nil && m.Status == StatusReadyToSettle && m.BothRevealed()
}

// CanClaimTimeout reports whether a timeout guard holds at time now.
func CanClaimTimeout(m *Match, now int64) bool {
	if m == nil {
		return false
	}
	switch m.Status {
	case StatusWaitingForOpponent:
		return now >= m.JoinDeadline
	case StatusWaitingForReveal:
		return now >= m.RevealDeadline && !m.BothRevealed()
	}
	return false
}

// TimeoutBeneficiary names the non-defaulting party entitled to the pot when
// CanClaimTimeout holds: the seat that did reveal, or the creator when the
// opponent never joined. When neither seat revealed there is no single
// beneficiary and both stakes are simply returned (ok=false).
func TimeoutBeneficiary(m *Match) (addr string, ok bool) {
	switch m.Status {
	case StatusWaitingForOpponent:
		return m.Creator, true
	case StatusWaitingForReveal:
		if m.RevealedCreator != nil && m.RevealedOpponent == nil {
			return m.Creator, true
		}
		if m.RevealedOpponent != nil && m.RevealedCreator == nil && m.Opponent != nil {
			return *m.Opponent, true
		}
	}
	return "", false
}
