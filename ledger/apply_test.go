package ledger

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/holiman/uint256"

	"xpledger/codec"
	"xpledger/crypto"
)

func mustAddress(b ...byte) crypto.Address {
	buf := make([]byte, crypto.AddressLength)
	copy(buf, b)
	return crypto.MustNewAddress(buf)
}

var (
	ownerAddr    = mustAddress(0x01)
	strangerAddr = mustAddress(0x02)
	userAddr     = mustAddress(0x0A)
)

func activeState(t *testing.T) *State {
	t.Helper()
	st := NewState()
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 0}, codec.Initialize{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return st
}

func TestFirstMessageActivates(t *testing.T) {
	st := NewState()
	receipt, err := Apply(st, Env{Sender: ownerAddr, Now: 100}, codec.AddXP{User: userAddr, Amount: 25})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !receipt.Initialized {
		t.Fatal("receipt should flag the implicit initialization")
	}
	if !st.Initialized() || st.Owner() != ownerAddr || st.Version() != 1 {
		t.Fatalf("unexpected state after activation: owner=%s version=%d", st.Owner(), st.Version())
	}
	if st.XP(userAddr) != 25 || receipt.NewTotal != 25 {
		t.Fatalf("expected balance 25, got %d (receipt %d)", st.XP(userAddr), receipt.NewTotal)
	}
	if st.LastOpTime() != 100 {
		t.Fatalf("expected lastOpTime 100, got %d", st.LastOpTime())
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	st := activeState(t)
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 50}, codec.AddXP{User: userAddr, Amount: 5}); err != nil {
		t.Fatalf("award: %v", err)
	}
	receipt, err := Apply(st, Env{Sender: strangerAddr, Now: 60}, codec.Initialize{})
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if receipt.Initialized {
		t.Fatal("second initialize must be a no-op")
	}
	if st.Owner() != ownerAddr || st.Version() != 1 || st.XP(userAddr) != 5 {
		t.Fatal("second initialize mutated state")
	}
}

func TestAddXPRejectsNonOwner(t *testing.T) {
	st := activeState(t)
	_, err := Apply(st, Env{Sender: strangerAddr, Now: 100}, codec.AddXP{User: userAddr, Amount: 10})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if st.XP(userAddr) != 0 {
		t.Fatal("balance changed on rejected award")
	}
}

func TestCooldownGatesGlobally(t *testing.T) {
	st := activeState(t)
	otherUser := mustAddress(0x0B)

	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 1000}, codec.AddXP{User: userAddr, Amount: 1}); err != nil {
		t.Fatalf("first award: %v", err)
	}
	// Within the window, even for a different user.
	_, err := Apply(st, Env{Sender: ownerAddr, Now: 1000 + MinCooldownSeconds - 1}, codec.AddXP{User: otherUser, Amount: 1})
	if !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon, got %v", err)
	}
	if st.XP(otherUser) != 0 {
		t.Fatal("balance changed on rejected award")
	}
	// At the boundary the award goes through.
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 1000 + MinCooldownSeconds}, codec.AddXP{User: otherUser, Amount: 1}); err != nil {
		t.Fatalf("award at cooldown boundary: %v", err)
	}
}

func TestCooldownIgnoresClockRegression(t *testing.T) {
	st := activeState(t)
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 1000}, codec.AddXP{User: userAddr, Amount: 1}); err != nil {
		t.Fatalf("first award: %v", err)
	}
	_, err := Apply(st, Env{Sender: ownerAddr, Now: 900}, codec.AddXP{User: userAddr, Amount: 1})
	if !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon on regressed clock, got %v", err)
	}
}

func TestOverflowRejected(t *testing.T) {
	st := activeState(t)
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 100}, codec.AddXP{User: userAddr, Amount: math.MaxUint64 - 1}); err != nil {
		t.Fatalf("seed award: %v", err)
	}
	_, err := Apply(st, Env{Sender: ownerAddr, Now: 100 + MinCooldownSeconds}, codec.AddXP{User: userAddr, Amount: 2})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if st.XP(userAddr) != math.MaxUint64-1 {
		t.Fatal("balance changed on rejected award")
	}
}

func TestDuplicateOpRejected(t *testing.T) {
	st := activeState(t)
	opID := uint256.NewInt(777)

	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 100}, codec.AddXPWithID{User: userAddr, Amount: 10, OpID: opID}); err != nil {
		t.Fatalf("first award: %v", err)
	}
	_, err := Apply(st, Env{Sender: ownerAddr, Now: 100 + MinCooldownSeconds}, codec.AddXPWithID{User: userAddr, Amount: 10, OpID: opID})
	if !errors.Is(err, ErrDuplicateOp) {
		t.Fatalf("expected ErrDuplicateOp, got %v", err)
	}
	if st.XP(userAddr) != 10 {
		t.Fatalf("balance changed on replay: %d", st.XP(userAddr))
	}
	if history := st.History(userAddr); len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
}

func TestPlainAwardLeavesNoHistory(t *testing.T) {
	st := activeState(t)
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 100}, codec.AddXP{User: userAddr, Amount: 10}); err != nil {
		t.Fatalf("award: %v", err)
	}
	if history := st.History(userAddr); len(history) != 0 {
		t.Fatalf("plain award recorded history: %d entries", len(history))
	}
}

func TestHistoryEvictsOldestAtCapacity(t *testing.T) {
	st := activeState(t)
	now := uint64(1000)
	for i := 0; i < MaxHistory+1; i++ {
		msg := codec.AddXPWithID{User: userAddr, Amount: 1, OpID: uint256.NewInt(uint64(i + 1))}
		if _, err := Apply(st, Env{Sender: ownerAddr, Now: now}, msg); err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
		now += MinCooldownSeconds
	}
	history := st.History(userAddr)
	if len(history) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(history))
	}
	if history[0].OpID.Uint64() != 2 {
		t.Fatalf("oldest entry should be evicted, ring starts at opId %d", history[0].OpID.Uint64())
	}
	if history[len(history)-1].OpID.Uint64() != uint64(MaxHistory+1) {
		t.Fatalf("newest entry missing, ring ends at opId %d", history[len(history)-1].OpID.Uint64())
	}
	// The evicted opId is replayable again; protection covers the window.
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: now}, codec.AddXPWithID{User: userAddr, Amount: 1, OpID: uint256.NewInt(1)}); err != nil {
		t.Fatalf("evicted opId should be acceptable again: %v", err)
	}
}

func TestUpgradeBumpsVersionAndSkipsCooldown(t *testing.T) {
	st := activeState(t)
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 100}, codec.AddXP{User: userAddr, Amount: 1}); err != nil {
		t.Fatalf("award: %v", err)
	}

	_, err := Apply(st, Env{Sender: strangerAddr, Now: 101}, codec.Upgrade{NewCode: []byte{0x01}})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for stranger upgrade, got %v", err)
	}

	receipt, err := Apply(st, Env{Sender: ownerAddr, Now: 101}, codec.Upgrade{NewCode: []byte{0x01}})
	if err != nil {
		t.Fatalf("upgrade inside cooldown window: %v", err)
	}
	if receipt.Version != 2 || st.Version() != 2 {
		t.Fatalf("expected version 2, got receipt=%d state=%d", receipt.Version, st.Version())
	}
	if st.LastOpTime() != 100 {
		t.Fatalf("upgrade must not touch lastOpTime, got %d", st.LastOpTime())
	}
	if st.XP(userAddr) != 1 {
		t.Fatal("upgrade must preserve balances")
	}
}

func TestStateRootRoundTrip(t *testing.T) {
	st := activeState(t)
	now := uint64(500)
	for i := 0; i < 3; i++ {
		msg := codec.AddXPWithID{User: userAddr, Amount: uint64(10 * (i + 1)), OpID: uint256.NewInt(uint64(i + 100))}
		if _, err := Apply(st, Env{Sender: ownerAddr, Now: now}, msg); err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
		now += MinCooldownSeconds
	}

	encoded, err := codec.EncodeRoot(st.Root())
	if err != nil {
		t.Fatalf("encode root: %v", err)
	}
	decoded, err := codec.DecodeRoot(encoded)
	if err != nil {
		t.Fatalf("decode root: %v", err)
	}
	restored := FromRoot(decoded)

	if restored.Owner() != st.Owner() || restored.Version() != st.Version() || restored.LastOpTime() != st.LastOpTime() {
		t.Fatal("restored header mismatch")
	}
	if restored.XP(userAddr) != st.XP(userAddr) {
		t.Fatalf("restored balance %d, want %d", restored.XP(userAddr), st.XP(userAddr))
	}
	if !reflect.DeepEqual(restored.History(userAddr), st.History(userAddr)) {
		t.Fatal("restored history mismatch")
	}
}

func TestXPKeyIsAddressHash(t *testing.T) {
	key := XPKey(userAddr)
	if key.IsZero() {
		t.Fatal("xp key should not be zero")
	}
	st := activeState(t)
	if _, err := Apply(st, Env{Sender: ownerAddr, Now: 100}, codec.AddXP{User: userAddr, Amount: 7}); err != nil {
		t.Fatalf("award: %v", err)
	}
	root := st.Root()
	if root.Balances[key.Bytes32()] != 7 {
		t.Fatal("storage key does not match XPKey")
	}
}
