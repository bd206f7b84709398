package match

import "testing"

func TestCanJoin(t *testing.T) {
	creator := newTestPlayer(t, "ALICE", Rock)
	opp := newTestPlayer(t, "BOB", Paper)

	m := createdMatch(t, creator)
	if !CanJoin(m, opp.addr, tNow+1) {
		t.Fatalf("open match must be joinable")
	}
	if CanJoin(m, creator.addr, tNow+1) {
		t.Fatalf("creator must not be able to join")
	}
	if CanJoin(m, opp.addr, tJoin) {
		t.Fatalf("joinable at the deadline")
	}
	if CanJoin(nil, opp.addr, tNow+1) {
		t.Fatalf("nil match must not be joinable")
	}

	joined := joinedMatch(t, creator, opp)
	if CanJoin(joined, "CAROL", tNow+2) {
		t.Fatalf("joined match must not be joinable")
	}
}

func TestCanReveal(t *testing.T) {
	creator := newTestPlayer(t, "ALICE", Rock)
	opp := newTestPlayer(t, "BOB", Paper)
	m := joinedMatch(t, creator, opp)

	if !CanReveal(m, creator.addr, tNow+2) || !CanReveal(m, opp.addr, tNow+2) {
		t.Fatalf("both seats must be revealable after the join")
	}
	if CanReveal(m, "MALLORY", tNow+2) {
		t.Fatalf("outsider must not be revealable")
	}
	if CanReveal(m, creator.addr, tReveal) {
		t.Fatalf("revealable at the deadline")
	}

	creator.reveal(t, m, tNow+2)
	if CanReveal(m, creator.addr, tNow+3) {
		t.Fatalf("revealed seat must not be revealable again")
	}
	if !CanReveal(m, opp.addr, tNow+3) {
		t.Fatalf("unrevealed seat must stay revealable")
	}
}

func TestCanSettleAndClaimTimeout(t *testing.T) {
	creator := newTestPlayer(t, "ALICE", Rock)
	opp := newTestPlayer(t, "BOB", Paper)

	m := createdMatch(t, creator)
	if CanSettle(m) {
		t.Fatalf("open match must not be settleable")
	}
	if CanClaimTimeout(m, tJoin-1) {
		t.Fatalf("timeout claimable before the join deadline")
	}
	if !CanClaimTimeout(m, tJoin) {
		t.Fatalf("join timeout must be claimable at the deadline")
	}

	m = joinedMatch(t, creator, opp)
	if CanClaimTimeout(m, tReveal-1) {
		t.Fatalf("timeout claimable before the reveal deadline")
	}
	if !CanClaimTimeout(m, tReveal) {
		t.Fatalf("reveal timeout must be claimable at the deadline")
	}

	creator.reveal(t, m, tNow+2)
	opp.reveal(t, m, tNow+3)
	if !CanSettle(m) {
		t.Fatalf("both reveals must make the match settleable")
	}
	if CanClaimTimeout(m, tReveal) {
		t.Fatalf("fully revealed match must not be timeout-claimable")
	}
}

func TestTimeoutBeneficiary(t *testing.T) {
	creator := newTestPlayer(t, "ALICE", Rock)
	opp := newTestPlayer(t, "BOB", Paper)

	// Nobody joined: the creator takes their stake back.
	m := createdMatch(t, creator)
	addr, ok := TimeoutBeneficiary(m)
	if !ok || addr != creator.addr {
		t.Fatalf("unjoined: got (%q, %v)", addr, ok)
	}

	// Only the creator revealed: the creator takes the pot.
	m = joinedMatch(t, creator, opp)
	creator.reveal(t, m, tNow+2)
	addr, ok = TimeoutBeneficiary(m)
	if !ok || addr != creator.addr {
		t.Fatalf("creator-only reveal: got (%q, %v)", addr, ok)
	}

	// Only the opponent revealed: the opponent takes the pot.
	m = joinedMatch(t, creator, opp)
	opp.reveal(t, m, tNow+2)
	addr, ok = TimeoutBeneficiary(m)
	if !ok || addr != opp.addr {
		t.Fatalf("opponent-only reveal: got (%q, %v)", addr, ok)
	}

	// Neither revealed: no single beneficiary, both refunded.
	m = joinedMatch(t, creator, opp)
	if _, ok := TimeoutBeneficiary(m); ok {
		t.Fatalf("no reveals must have no single beneficiary")
	}
}

func TestStatusRankAndTerminal(t *testing.T) {
	order := []Status{StatusWaitingForOpponent, StatusWaitingForReveal, StatusReadyToSettle, StatusSettled}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s must rank above %s", order[i], order[i-1])
		}
	}
	for _, s := range []Status{StatusSettled, StatusCancelled, StatusTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
		if s.Rank() != StatusSettled.Rank() {
			t.Fatalf("terminal states must share the top rank")
		}
	}
	if Status("bogus").Rank() != -1 {
		t.Fatalf("unknown status must rank -1")
	}
}
