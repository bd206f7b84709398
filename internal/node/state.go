package node

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Simlowker/RPC-game-sub000/internal/match"
)

// State is the chain application state: account balances, match accounts,
// per-match escrow and the accepted op nonces used for replay protection.
// Persisted as JSON after each block; the devnet restarts from the file.
type State struct {
	Height int64 `json:"height"`

	Accounts map[string]uint64       `json:"accounts"`
	Matches  map[string]*match.Match `json:"matches"`
	Vaults   map[string]uint64       `json:"vaults"` // escrowed pot per match id

	// Nonces holds, per signer, the sorted list of accepted op nonces.
	Nonces map[string][]string `json:"nonces,omitempty"`
}

func NewState() *State {
	return &State{
		Accounts: map[string]uint64{},
		Matches:  map[string]*match.Match{},
		Vaults:   map[string]uint64{},
		Nonces:   map[string][]string{},
	}
}

func Load(home string) (*State, error) {
	path := filepath.Join(home, "state.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Accounts == nil {
		st.Accounts = map[string]uint64{}
	}
	if st.Matches == nil {
		st.Matches = map[string]*match.Match{}
	}
	if st.Vaults == nil {
		st.Vaults = map[string]uint64{}
	}
	if st.Nonces == nil {
		st.Nonces = map[string][]string{}
	}
	return &st, nil
}

func (s *State) Save(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("mkdir home: %w", err)
	}
	path := filepath.Join(home, "state.json")
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// AppHash hashes a normalized view of the state. encoding/json does not
// guarantee map key order, so maps are flattened into sorted slices first.
func (s *State) AppHash() []byte {
	type accountKV struct {
		Addr    string `json:"addr"`
		Balance uint64 `json:"balance"`
	}
	type matchKV struct {
		ID    string       `json:"id"`
		Match *match.Match `json:"match"`
	}
	type vaultKV struct {
		ID   string `json:"id"`
		Held uint64 `json:"held"`
	}
	type nonceKV struct {
		Signer string   `json:"signer"`
		Nonces []string `json:"nonces"`
	}

	accounts := make([]accountKV, 0, len(s.Accounts))
	for k, v := range s.Accounts {
		accounts = append(accounts, accountKV{Addr: k, Balance: v})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Addr < accounts[j].Addr })

	matches := make([]matchKV, 0, len(s.Matches))
	for id, m := range s.Matches {
		matches = append(matches, matchKV{ID: id, Match: m})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	vaults := make([]vaultKV, 0, len(s.Vaults))
	for id, held := range s.Vaults {
		vaults = append(vaults, vaultKV{ID: id, Held: held})
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].ID < vaults[j].ID })

	nonces := make([]nonceKV, 0, len(s.Nonces))
	for signer, ns := range s.Nonces {
		nonces = append(nonces, nonceKV{Signer: signer, Nonces: ns})
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i].Signer < nonces[j].Signer })

	normalized := struct {
		Height   int64       `json:"height"`
		Accounts []accountKV `json:"accounts"`
		Matches  []matchKV   `json:"matches"`
		Vaults   []vaultKV   `json:"vaults"`
		Nonces   []nonceKV   `json:"nonces,omitempty"`
	}{
		Height:   s.Height,
		Accounts: accounts,
		Matches:  matches,
		Vaults:   vaults,
		Nonces:   nonces,
	}

	b, _ := json.Marshal(normalized)
	sum := sha256.Sum256(b)
	return sum[:]
}

// ---- Bank ----

func (s *State) Balance(addr string) uint64 {
	return s.Accounts[addr]
}

func (s *State) Credit(addr string, amount uint64) error {
	bal := s.Accounts[addr]
	if bal > ^uint64(0)-amount {
		return fmt.Errorf("balance overflow: have=%d add=%d", bal, amount)
	}
	s.Accounts[addr] = bal + amount
	return nil
}

func (s *State) Debit(addr string, amount uint64) error {
	bal := s.Accounts[addr]
	if bal < amount {
		return fmt.Errorf("insufficient funds: have=%d need=%d", bal, amount)
	}
	s.Accounts[addr] = bal - amount
	return nil
}

// ---- Replay protection ----

// NonceSeen reports whether signer has already used nonce.
func (s *State) NonceSeen(signer, nonce string) bool {
	ns := s.Nonces[signer]
	i := sort.SearchStrings(ns, nonce)
	return i < len(ns) && ns[i] == nonce
}

// MarkNonce records an accepted nonce, keeping the per-signer list sorted so
// the app hash stays deterministic.
func (s *State) MarkNonce(signer, nonce string) {
	ns := s.Nonces[signer]
	i := sort.SearchStrings(ns, nonce)
	if i < len(ns) && ns[i] == nonce {
		return
	}
	ns = append(ns, "")
	copy(ns[i+1:], ns[i:])
	ns[i] = nonce
	s.Nonces[signer] = ns
}
