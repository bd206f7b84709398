// Package ledger defines the boundary to the authoritative match ledger. The
// ledger executes signed operations and holds match accounts; everything
// behind this interface is opaque to the protocol layer. Two backends exist:
// an in-memory one (memledger) and a CometBFT RPC one (cometledger), both
// implementing the same canonical account schema.
package ledger

import (
	"context"
	"errors"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// ErrNotFound is returned by FetchMatch for an unknown match account. It is
// non-retryable; the sync client surfaces it immediately.
var ErrNotFound = errors.New("match account not found")

// SubmitResult reports an accepted operation. MatchID is set for create
// operations (the derived match account address).
type SubmitResult struct {
	TxID    string
	MatchID string
}

// Filter selects match accounts. Zero value selects everything.
type Filter struct {
	// Party restricts to matches where the address holds a seat.
	Party string
	// OpenOnly restricts to matches still waiting for an opponent within
	// their join window.
	OpenOnly bool
	// Now is the timestamp OpenOnly is evaluated against (unix seconds).
	Now int64
}

// Backend is the opaque ledger service consumed by the sync client and the
// client facade.
type Backend interface {
	// Submit broadcasts a signed operation. Rejections come back as
	// match.KindLedgerRejected errors; transport failures as
	// match.KindLedgerTransient.
	Submit(ctx context.Context, env codec.Envelope) (SubmitResult, error)

	// FetchMatch returns a snapshot of one match account, or ErrNotFound.
	FetchMatch(ctx context.Context, matchID string) (*match.Match, error)

	// ListMatches returns snapshots selected by f.
	ListMatches(ctx context.Context, f Filter) ([]*match.Match, error)

	// Balance returns the native-asset balance of an account.
	Balance(ctx context.Context, addr string) (uint64, error)

	// Subscribe returns a channel that signals when the match account may
	// have changed, plus an unsubscribe func. The channel carries
	// notifications only; the subscriber re-fetches for the actual state.
	Subscribe(ctx context.Context, matchID string) (<-chan struct{}, func(), error)
}
