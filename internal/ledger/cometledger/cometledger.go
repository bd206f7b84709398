// Package cometledger talks to a CometBFT node hosting the match ledger. It
// broadcasts signed operations as transactions and reads match accounts via
// ABCI queries, with change notifications over the node's event websocket.
package cometledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/Simlowker/RPC-game-sub000/internal/codec"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// Client is a ledger.Backend over CometBFT RPC.
type Client struct {
	rpc        *rpchttp.HTTP
	subscriber string
}

// New connects to a CometBFT RPC endpoint, e.g. "tcp://127.0.0.1:26657".
// The websocket is started lazily on the first Subscribe.
func New(remote string, subscriber string) (*Client, error) {
	rpc, err := rpchttp.New(remote)
	if err != nil {
		return nil, fmt.Errorf("connect rpc %s: %w", remote, err)
	}
	if subscriber == "" {
		subscriber = "rps-client"
	}
	return &Client{rpc: rpc, subscriber: subscriber}, nil
}

// Submit broadcasts the operation and waits for mempool acceptance. Execution
// results are observed through subsequent fetches, the same as any other
// client's operations.
func (c *Client) Submit(ctx context.Context, env codec.Envelope) (ledger.SubmitResult, error) {
	raw, err := env.Encode()
	if err != nil {
		return ledger.SubmitResult{}, match.Rejected("submit", err)
	}
	res, err := c.rpc.BroadcastTxSync(ctx, cmttypes.Tx(raw))
	if err != nil {
		return ledger.SubmitResult{}, match.Transient("broadcast op", err)
	}
	if res.Code != 0 {
		return ledger.SubmitResult{}, match.Rejected("broadcast op", fmt.Errorf("code=%d log=%q", res.Code, res.Log))
	}
	out := ledger.SubmitResult{TxID: res.Hash.String()}
	if env.Type == codec.TypeCreateMatch {
		out.MatchID = codec.MatchAddress(env.Signer, env.Nonce)
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, path string, out any) error {
	res, err := c.rpc.ABCIQuery(ctx, path, cmtbytes.HexBytes(nil))
	if err != nil {
		return match.Transient("query "+path, err)
	}
	if res.Response.Code != 0 {
		if strings.Contains(res.Response.Log, "not found") {
			return fmt.Errorf("%s: %w", path, ledger.ErrNotFound)
		}
		return match.Rejected("query "+path, fmt.Errorf("code=%d log=%q", res.Response.Code, res.Response.Log))
	}
	if err := json.Unmarshal(res.Response.Value, out); err != nil {
		return match.Rejected("query "+path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// FetchMatch reads one match account.
func (c *Client) FetchMatch(ctx context.Context, matchID string) (*match.Match, error) {
	var m match.Match
	if err := c.query(ctx, "/match/"+matchID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMatches reads all match accounts and filters locally; the v1 chain
// query surface has no server-side filter.
func (c *Client) ListMatches(ctx context.Context, f ledger.Filter) ([]*match.Match, error) {
	var all []*match.Match
	if err := c.query(ctx, "/matches", &all); err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if f.Party != "" {
			if _, ok := m.SeatOf(f.Party); !ok {
				continue
			}
		}
		if f.OpenOnly {
			if m.Status != match.StatusWaitingForOpponent || f.Now >= m.JoinDeadline {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// Balance reads an account balance.
func (c *Client) Balance(ctx context.Context, addr string) (uint64, error) {
	var resp struct {
		Addr    string `json:"addr"`
		Balance uint64 `json:"balance"`
	}
	if err := c.query(ctx, "/account/"+addr, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Subscribe watches transactions touching the match and signals on each. The
// returned channel is coalescing; subscribers re-fetch on a signal.
func (c *Client) Subscribe(ctx context.Context, matchID string) (<-chan struct{}, func(), error) {
	if !c.rpc.IsRunning() {
		if err := c.rpc.Start(); err != nil {
			return nil, nil, match.Transient("start event stream", err)
		}
	}
	query := fmt.Sprintf("tm.event='Tx' AND rps.matchId='%s'", matchID)
	events, err := c.rpc.Subscribe(ctx, c.subscriber, query)
	if err != nil {
		return nil, nil, match.Transient("subscribe "+matchID, err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	unsubscribe := func() {
		close(done)
		_ = c.rpc.Unsubscribe(context.Background(), c.subscriber, query)
	}
	return out, unsubscribe, nil
}
