package match

import "fmt"

// GameResult is the deterministic winner computation over two reveals.
type GameResult string

const (
	CreatorWins  GameResult = "creatorWins"
	OpponentWins GameResult = "opponentWins"
	Tie          GameResult = "tie"
)

// DetermineWinner applies rock>scissors, scissors>paper, paper>rock.
func DetermineWinner(creatorChoice, opponentChoice Choice) GameResult {
	if creatorChoice == opponentChoice {
		return Tie
	}
	if creatorChoice.Beats(opponentChoice) {
		return CreatorWins
	}
	return OpponentWins
}

// ResolveOutcome computes the result from a snapshot. Calling it with a
// missing reveal is a caller error, not an ambiguous result.
func ResolveOutcome(m *Match) (GameResult, error) {
	if m.RevealedCreator == nil {
		return "", fmt.Errorf("resolve outcome: creator has not revealed")
	}
	if m.RevealedOpponent == nil {
		return "", fmt.Errorf("resolve outcome: opponent has not revealed")
	}
	return DetermineWinner(*m.RevealedCreator, *m.RevealedOpponent), nil
}

// Payout is the fee-adjusted settlement split.
type Payout struct {
	Pot          uint64
	WinnerAmount uint64
	FeeAmount    uint64
}

// CalculatePayout computes pot = bet*2, fee = floor(pot*feeBps/10000) and the
// winner's remainder with checked integer arithmetic. The conservation
// invariant fee+winner == pot is verified, not assumed. On a tie callers
// return each stake unchanged and take no fee; this function covers the
// decisive case.
func CalculatePayout(betAmount uint64, feeBps uint32) (Payout, error) {
	if betAmount == 0 {
		return Payout{}, ErrZeroBet
	}
	if feeBps > 10000 {
		return Payout{}, fmt.Errorf("calculate payout: feeBps %d out of range", feeBps)
	}
	pot, err := mulUint64Checked(betAmount, 2, "pot")
	if err != nil {
		return Payout{}, err
	}
	feeNumer, err := mulUint64Checked(pot, uint64(feeBps), "fee")
	if err != nil {
		return Payout{}, err
	}
	fee := feeNumer / 10000
	winner := pot - fee

	if fee+winner != pot {
		return Payout{}, fmt.Errorf("calculate payout: fee %d + winner %d != pot %d", fee, winner, pot)
	}
	return Payout{Pot: pot, WinnerAmount: winner, FeeAmount: fee}, nil
}
