package codec

import (
	"bytes"
	"errors"
	"sort"

	"github.com/holiman/uint256"

	"xpledger/crypto"
)

// ErrNonCanonical is returned when a storage record's map entries are not in
// strictly ascending key order. Encoded roots are canonical, so decode
// enforces the same ordering.
var ErrNonCanonical = errors.New("codec: non-canonical map ordering")

// HistoryEntry is one recorded identified award, in insertion order inside
// its user's ring.
type HistoryEntry struct {
	Amount    uint64
	Timestamp uint64
	OpID      *uint256.Int
}

// Root is the wire form of the ledger storage root. Map keys are the
// keccak-256 hashes of user addresses.
type Root struct {
	Owner      crypto.Address
	Version    uint16
	LastOpTime uint64
	Balances   map[[32]byte]uint64
	History    map[[32]byte][]HistoryEntry
}

// EncodeRoot packs a storage root canonically: fixed header, then each map
// as a 32-bit count followed by entries in ascending key order. History
// entries keep their insertion order.
func EncodeRoot(root *Root) ([]byte, error) {
	if root == nil {
		return nil, errors.New("codec: nil root")
	}
	w := &bitWriter{}
	w.writeBytes(root.Owner.Bytes())
	w.writeUint(uint64(root.Version), 16)
	w.writeUint(root.LastOpTime, 64)

	w.writeUint(uint64(len(root.Balances)), 32)
	for _, key := range sortedKeys32(keysOfBalances(root.Balances)) {
		w.writeBytes(key[:])
		w.writeUint(root.Balances[key], 64)
	}

	w.writeUint(uint64(len(root.History)), 32)
	for _, key := range sortedKeys32(keysOfHistory(root.History)) {
		entries := root.History[key]
		w.writeBytes(key[:])
		w.writeUint(uint64(len(entries)), 32)
		for _, e := range entries {
			if e.OpID == nil {
				return nil, ErrMissingOpID
			}
			w.writeUint(e.Amount, 64)
			w.writeUint(e.Timestamp, 64)
			id := e.OpID.Bytes32()
			w.writeBytes(id[:])
		}
	}
	return w.bytes(), nil
}

// DecodeRoot parses a canonical storage root and rejects unsorted maps,
// truncated input, and trailing bytes.
func DecodeRoot(buf []byte) (*Root, error) {
	r := newBitReader(buf)

	ownerBytes, err := r.readBytes(crypto.AddressLength)
	if err != nil {
		return nil, err
	}
	owner, err := crypto.NewAddress(ownerBytes)
	if err != nil {
		return nil, err
	}
	version, err := r.readUint(16)
	if err != nil {
		return nil, err
	}
	lastOpTime, err := r.readUint(64)
	if err != nil {
		return nil, err
	}

	root := &Root{
		Owner:      owner,
		Version:    uint16(version),
		LastOpTime: lastOpTime,
		Balances:   make(map[[32]byte]uint64),
		History:    make(map[[32]byte][]HistoryEntry),
	}

	balanceCount, err := r.readUint(32)
	if err != nil {
		return nil, err
	}
	var prev [32]byte
	for i := uint64(0); i < balanceCount; i++ {
		key, err := readKey32(r)
		if err != nil {
			return nil, err
		}
		if i > 0 && bytes.Compare(key[:], prev[:]) <= 0 {
			return nil, ErrNonCanonical
		}
		prev = key
		value, err := r.readUint(64)
		if err != nil {
			return nil, err
		}
		root.Balances[key] = value
	}

	historyCount, err := r.readUint(32)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < historyCount; i++ {
		key, err := readKey32(r)
		if err != nil {
			return nil, err
		}
		if i > 0 && bytes.Compare(key[:], prev[:]) <= 0 {
			return nil, ErrNonCanonical
		}
		prev = key
		entryCount, err := r.readUint(32)
		if err != nil {
			return nil, err
		}
		entries := make([]HistoryEntry, 0, entryCount)
		for j := uint64(0); j < entryCount; j++ {
			amount, err := r.readUint(64)
			if err != nil {
				return nil, err
			}
			ts, err := r.readUint(64)
			if err != nil {
				return nil, err
			}
			idBytes, err := r.readBytes(32)
			if err != nil {
				return nil, err
			}
			entries = append(entries, HistoryEntry{
				Amount:    amount,
				Timestamp: ts,
				OpID:      new(uint256.Int).SetBytes(idBytes),
			})
		}
		root.History[key] = entries
	}

	if err := r.expectEnd(); err != nil {
		return nil, err
	}
	return root, nil
}

func readKey32(r *bitReader) ([32]byte, error) {
	var key [32]byte
	b, err := r.readBytes(32)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}

func keysOfBalances(m map[[32]byte]uint64) [][32]byte {
	keys := make([][32]byte, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func keysOfHistory(m map[[32]byte][]HistoryEntry) [][32]byte {
	keys := make([][32]byte, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortedKeys32(keys [][32]byte) [][32]byte {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	return keys
}
