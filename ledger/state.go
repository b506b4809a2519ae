package ledger

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"xpledger/codec"
	"xpledger/crypto"
)

// State is the ledger's storage root held in memory. A State is either
// uninitialized (pre-deploy) or active; once active it never leaves that
// phase. All mutation goes through Apply.
type State struct {
	owner       crypto.Address
	version     uint16
	lastOpTime  uint64
	balances    map[[32]byte]uint64
	history     map[[32]byte]*historyRing
	initialized bool
}

// NewState returns an uninitialized state. The first applied message, or an
// explicit Initialize, activates it.
func NewState() *State {
	return &State{
		balances: make(map[[32]byte]uint64),
		history:  make(map[[32]byte]*historyRing),
	}
}

// FromRoot rebuilds an active state from its decoded storage record.
func FromRoot(root *codec.Root) *State {
	st := NewState()
	st.owner = root.Owner
	st.version = root.Version
	st.lastOpTime = root.LastOpTime
	for key, value := range root.Balances {
		st.balances[key] = value
	}
	for key, entries := range root.History {
		st.history[key] = ringFromEntries(entries)
	}
	st.initialized = true
	return st
}

// Root converts the state to its wire record for persistence.
func (s *State) Root() *codec.Root {
	root := &codec.Root{
		Owner:      s.owner,
		Version:    s.version,
		LastOpTime: s.lastOpTime,
		Balances:   make(map[[32]byte]uint64, len(s.balances)),
		History:    make(map[[32]byte][]codec.HistoryEntry, len(s.history)),
	}
	for key, value := range s.balances {
		root.Balances[key] = value
	}
	for key, ring := range s.history {
		root.History[key] = ring.wireEntries()
	}
	return root
}

// Initialized reports whether the state has been activated.
func (s *State) Initialized() bool { return s.initialized }

// Owner returns the privileged writer's address.
func (s *State) Owner() crypto.Address { return s.owner }

// Version returns the program version, bumped by upgrades.
func (s *State) Version() uint16 { return s.version }

// LastOpTime returns the unix time of the last successful award, 0 if none.
func (s *State) LastOpTime() uint64 { return s.lastOpTime }

// XP returns a user's balance, 0 when the user has never been credited.
func (s *State) XP(user crypto.Address) uint64 {
	return s.balances[addrKey(user)]
}

// History returns a copy of the user's retained records, oldest first, empty
// when none exist.
func (s *State) History(user crypto.Address) []Record {
	ring, ok := s.history[addrKey(user)]
	if !ok {
		return []Record{}
	}
	return ring.snapshot()
}

// XPKey returns the 256-bit balance key for an address. Exposed for
// reconciliation correlation and debugging.
func XPKey(user crypto.Address) *uint256.Int {
	key := addrKey(user)
	return new(uint256.Int).SetBytes(key[:])
}

// addrKey is the keccak-256 hash under which a user's balance and history
// are stored.
func addrKey(user crypto.Address) [32]byte {
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256(user.Bytes()))
	return key
}

// sameIdentity compares two addresses by canonical hash rather than raw
// encoding.
func sameIdentity(a, b crypto.Address) bool {
	return addrKey(a) == addrKey(b)
}
