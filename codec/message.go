package codec

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"xpledger/crypto"
)

// Wire opcodes. Every inbound body except the empty initialize body starts
// with one of these as a 32-bit big-endian tag.
const (
	OpAddXP       uint32 = 0x1234
	OpAddXPWithID uint32 = 0x5678
	OpUpgrade     uint32 = 0x8765
)

var (
	// ErrUnknownOpcode is returned for a tag outside the table above.
	ErrUnknownOpcode = errors.New("codec: unknown opcode")
	// ErrFlags is returned when the reserved flags nibble is nonzero.
	ErrFlags = errors.New("codec: unsupported flags")
	// ErrMissingOpID is returned when encoding an identified award without an opId.
	ErrMissingOpID = errors.New("codec: missing opId")
	// ErrCodeTooLarge bounds the nested code reference in an upgrade.
	ErrCodeTooLarge = errors.New("codec: upgrade code exceeds limit")
)

// MaxUpgradeCode caps the nested code blob carried by an Upgrade message.
const MaxUpgradeCode = 1 << 20

// Message is the decoded form of an inbound ledger operation.
type Message interface {
	Opcode() uint32
}

// Initialize is the empty-body deploy message. It carries no payload; the
// sender of the enclosing envelope becomes the owner.
type Initialize struct{}

func (Initialize) Opcode() uint32 { return 0 }

// AddXP credits a user without an idempotency key.
type AddXP struct {
	User   crypto.Address
	Amount uint64
}

func (AddXP) Opcode() uint32 { return OpAddXP }

// AddXPWithID credits a user and records the operation under a caller-chosen
// 256-bit idempotency key.
type AddXPWithID struct {
	User   crypto.Address
	Amount uint64
	OpID   *uint256.Int
}

func (AddXPWithID) Opcode() uint32 { return OpAddXPWithID }

// Upgrade replaces the ledger program code and bumps the stored version.
type Upgrade struct {
	NewCode []byte
}

func (Upgrade) Opcode() uint32 { return OpUpgrade }

// EncodeMessage packs a message into its bit-exact wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	w := &bitWriter{}
	switch m := msg.(type) {
	case Initialize:
		return []byte{}, nil
	case AddXP:
		w.writeUint(uint64(OpAddXP), 32)
		w.writeUint(0, 4)
		w.writeBytes(m.User.Bytes())
		w.writeUint(m.Amount, 64)
	case AddXPWithID:
		if m.OpID == nil {
			return nil, ErrMissingOpID
		}
		w.writeUint(uint64(OpAddXPWithID), 32)
		w.writeUint(0, 4)
		w.writeBytes(m.User.Bytes())
		w.writeUint(m.Amount, 64)
		id := m.OpID.Bytes32()
		w.writeBytes(id[:])
	case Upgrade:
		if len(m.NewCode) > MaxUpgradeCode {
			return nil, ErrCodeTooLarge
		}
		w.writeUint(uint64(OpUpgrade), 32)
		w.writeUint(uint64(len(m.NewCode)), 32)
		w.writeBytes(m.NewCode)
	default:
		return nil, fmt.Errorf("codec: cannot encode %T", msg)
	}
	return w.bytes(), nil
}

// DecodeMessage parses a wire body back into its message variant. The match
// over opcodes is total: anything unrecognized fails with ErrUnknownOpcode,
// and leftover input or dirty padding fails the decode.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return Initialize{}, nil
	}
	r := newBitReader(buf)
	op, err := r.readUint(32)
	if err != nil {
		return nil, err
	}
	switch uint32(op) {
	case OpAddXP:
		m, err := decodeAddXP(r)
		if err != nil {
			return nil, err
		}
		if err := r.expectEnd(); err != nil {
			return nil, err
		}
		return m, nil
	case OpAddXPWithID:
		m, err := decodeAddXP(r)
		if err != nil {
			return nil, err
		}
		idBytes, err := r.readBytes(32)
		if err != nil {
			return nil, err
		}
		if err := r.expectEnd(); err != nil {
			return nil, err
		}
		return AddXPWithID{User: m.User, Amount: m.Amount, OpID: new(uint256.Int).SetBytes(idBytes)}, nil
	case OpUpgrade:
		size, err := r.readUint(32)
		if err != nil {
			return nil, err
		}
		if size > MaxUpgradeCode {
			return nil, ErrCodeTooLarge
		}
		if r.remaining() < uint(size)*8 {
			return nil, ErrTruncated
		}
		code, err := r.readBytes(int(size))
		if err != nil {
			return nil, err
		}
		if err := r.expectEnd(); err != nil {
			return nil, err
		}
		return Upgrade{NewCode: code}, nil
	default:
		return nil, fmt.Errorf("%w 0x%x", ErrUnknownOpcode, op)
	}
}

func decodeAddXP(r *bitReader) (AddXP, error) {
	flags, err := r.readUint(4)
	if err != nil {
		return AddXP{}, err
	}
	if flags != 0 {
		return AddXP{}, ErrFlags
	}
	addrBytes, err := r.readBytes(crypto.AddressLength)
	if err != nil {
		return AddXP{}, err
	}
	user, err := crypto.NewAddress(addrBytes)
	if err != nil {
		return AddXP{}, err
	}
	amount, err := r.readUint(64)
	if err != nil {
		return AddXP{}, err
	}
	return AddXP{User: user, Amount: amount}, nil
}
