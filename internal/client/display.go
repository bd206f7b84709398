package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// DisplayMatch is the presentation-ready view of one match for this
// identity: status, stake, remaining time in the current window and the
// action flags computed from the deadline predicates.
type DisplayMatch struct {
	ID        string       `json:"id"`
	Status    match.Status `json:"status"`
	BetAmount uint64       `json:"betAmount"`
	TokenMint *string      `json:"tokenMint,omitempty"`

	// TimeLeft is the remaining time in the phase's active window (join or
	// reveal); zero for terminal states or elapsed windows.
	TimeLeft time.Duration `json:"timeLeftSeconds"`

	CanJoin         bool `json:"canJoin"`
	CanReveal       bool `json:"canReveal"`
	CanSettle       bool `json:"canSettle"`
	CanClaimTimeout bool `json:"canClaimTimeout"`
}

// DisplayableMatches lists this identity's matches plus joinable open ones,
// with per-match action eligibility.
func (c *Client) DisplayableMatches(ctx context.Context) ([]DisplayMatch, error) {
	now := c.now().Unix()

	mine, err := c.backend.ListMatches(ctx, ledger.Filter{Party: c.key.Address})
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	open, err := c.backend.ListMatches(ctx, ledger.Filter{OpenOnly: true, Now: now})
	if err != nil {
		return nil, fmt.Errorf("list open matches: %w", err)
	}

	seen := map[string]bool{}
	out := make([]DisplayMatch, 0, len(mine)+len(open))
	for _, m := range append(mine, open...) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, c.display(m, now))
	}
	return out, nil
}

func (c *Client) display(m *match.Match, now int64) DisplayMatch {
	var timeLeft time.Duration
	switch m.Status {
	case match.StatusWaitingForOpponent:
		if m.JoinDeadline > now {
			timeLeft = time.Duration(m.JoinDeadline-now) * time.Second
		}
	case match.StatusWaitingForReveal:
		if m.RevealDeadline > now {
			timeLeft = time.Duration(m.RevealDeadline-now) * time.Second
		}
	}
	return DisplayMatch{
		ID:              m.ID,
		Status:          m.Status,
		BetAmount:       m.BetAmount,
		TokenMint:       m.TokenMint,
		TimeLeft:        timeLeft,
		CanJoin:         match.CanJoin(m, c.key.Address, now),
		CanReveal:       match.CanReveal(m, c.key.Address, now),
		CanSettle:       match.CanSettle(m),
		CanClaimTimeout: match.CanClaimTimeout(m, now),
	}
}
