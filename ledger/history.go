package ledger

import (
	"github.com/holiman/uint256"

	"xpledger/codec"
)

// MaxHistory caps the number of retained operation records per user. When a
// ring is full the oldest entry is evicted, so replay protection spans the
// retained window, not all time.
const MaxHistory = 50

// Record is one retained identified award.
type Record struct {
	Amount    uint64
	Timestamp uint64
	OpID      *uint256.Int
}

// historyRing holds a user's records in insertion order, oldest first, with
// an opId index for replay checks.
type historyRing struct {
	entries []Record
	index   map[[32]byte]struct{}
}

func newHistoryRing() *historyRing {
	return &historyRing{index: make(map[[32]byte]struct{})}
}

func (r *historyRing) contains(opID *uint256.Int) bool {
	if opID == nil {
		return false
	}
	_, ok := r.index[opID.Bytes32()]
	return ok
}

// push appends a record, evicting the oldest entry once MaxHistory is
// reached. Callers check contains first; push does not re-validate.
func (r *historyRing) push(rec Record) {
	if len(r.entries) >= MaxHistory {
		oldest := r.entries[0]
		delete(r.index, oldest.OpID.Bytes32())
		r.entries = append(r.entries[:0], r.entries[1:]...)
	}
	r.entries = append(r.entries, rec)
	r.index[rec.OpID.Bytes32()] = struct{}{}
}

func (r *historyRing) snapshot() []Record {
	out := make([]Record, len(r.entries))
	copy(out, r.entries)
	return out
}

func ringFromEntries(entries []codec.HistoryEntry) *historyRing {
	ring := newHistoryRing()
	for _, e := range entries {
		ring.push(Record{Amount: e.Amount, Timestamp: e.Timestamp, OpID: e.OpID})
	}
	return ring
}

func (r *historyRing) wireEntries() []codec.HistoryEntry {
	out := make([]codec.HistoryEntry, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, codec.HistoryEntry{Amount: rec.Amount, Timestamp: rec.Timestamp, OpID: rec.OpID})
	}
	return out
}
