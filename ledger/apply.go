package ledger

import (
	"math"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"xpledger/codec"
	"xpledger/crypto"
)

// MinCooldownSeconds is the global gap enforced between successful awards.
// It is program code, not storage: the root layout carries no cooldown field.
const MinCooldownSeconds uint64 = 30

// Env carries the execution context of one message: who sent it and the
// ledger clock at delivery. Apply reads time only from here.
type Env struct {
	Sender crypto.Address
	Now    uint64
}

// Receipt describes an accepted message.
type Receipt struct {
	Opcode      uint32
	Sender      crypto.Address
	User        crypto.Address
	Amount      uint64
	NewTotal    uint64
	OpID        *uint256.Int
	Version     uint16
	Timestamp   uint64
	Initialized bool
	CodeHash    [32]byte
}

// Apply is the single transition function of the state machine. Every
// precondition is checked before any mutation; a returned *Error leaves the
// state exactly as it was, except that delivering the first message of an
// uninitialized ledger always activates it with the sender as owner.
func Apply(st *State, env Env, msg codec.Message) (*Receipt, error) {
	activated := false
	if !st.initialized {
		st.owner = env.Sender
		st.version = 1
		st.lastOpTime = 0
		st.initialized = true
		activated = true
	}

	switch m := msg.(type) {
	case codec.Initialize:
		return &Receipt{
			Sender:      env.Sender,
			Version:     st.version,
			Timestamp:   env.Now,
			Initialized: activated,
		}, nil

	case codec.AddXP:
		return applyAward(st, env, m.User, m.Amount, nil, activated)

	case codec.AddXPWithID:
		if m.OpID == nil {
			return nil, ErrInvalidOp
		}
		return applyAward(st, env, m.User, m.Amount, m.OpID, activated)

	case codec.Upgrade:
		if !sameIdentity(env.Sender, st.owner) {
			return nil, ErrNotOwner
		}
		st.version++
		return &Receipt{
			Opcode:      codec.OpUpgrade,
			Sender:      env.Sender,
			Version:     st.version,
			Timestamp:   env.Now,
			Initialized: activated,
			CodeHash:    blake3.Sum256(m.NewCode),
		}, nil

	default:
		return nil, ErrInvalidOp
	}
}

func applyAward(st *State, env Env, user crypto.Address, amount uint64, opID *uint256.Int, activated bool) (*Receipt, error) {
	if !sameIdentity(env.Sender, st.owner) {
		return nil, ErrNotOwner
	}
	if st.lastOpTime > 0 {
		var gap uint64
		if env.Now > st.lastOpTime {
			gap = env.Now - st.lastOpTime
		}
		if gap < MinCooldownSeconds {
			return nil, ErrTooSoon
		}
	}

	key := addrKey(user)
	old := st.balances[key]
	if amount > math.MaxUint64-old {
		return nil, ErrOverflow
	}

	var ring *historyRing
	opcode := codec.OpAddXP
	if opID != nil {
		opcode = codec.OpAddXPWithID
		ring = st.history[key]
		if ring == nil {
			ring = newHistoryRing()
		}
		if ring.contains(opID) {
			return nil, ErrDuplicateOp
		}
	}

	// All checks passed; commit.
	st.balances[key] = old + amount
	if opID != nil {
		ring.push(Record{Amount: amount, Timestamp: env.Now, OpID: opID})
		st.history[key] = ring
	}
	st.lastOpTime = env.Now

	return &Receipt{
		Opcode:      opcode,
		Sender:      env.Sender,
		User:        user,
		Amount:      amount,
		NewTotal:    old + amount,
		OpID:        opID,
		Version:     st.version,
		Timestamp:   env.Now,
		Initialized: activated,
	}, nil
}
