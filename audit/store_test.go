package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.SetNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return store
}

func testAttempt(opID string) Attempt {
	return Attempt{
		OpID:            opID,
		Amount:          25,
		Sender:          "xp1engine",
		Receiver:        "xp1user",
		ContractAddress: "xp1contract",
		ContractOwner:   "xp1engine",
		ContractVersion: 1,
		LastOpTime:      1700000000,
		Description:     "weekly award",
	}
}

func TestEnsureUserIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, err := store.EnsureUser(ctx, "xp1user", nil)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if first.ID == uuid.Nil {
		t.Fatal("expected generated user id")
	}
	if first.PublicKey != nil {
		t.Fatalf("expected nil public key, got %q", *first.PublicKey)
	}

	key := "0x04aabb"
	second, err := store.EnsureUser(ctx, "xp1user", &key)
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row, got %s and %s", first.ID, second.ID)
	}
	if second.PublicKey == nil || *second.PublicKey != key {
		t.Fatal("expected public key backfill")
	}

	third, err := store.EnsureUser(ctx, "xp1user", nil)
	if err != nil {
		t.Fatalf("ensure user third: %v", err)
	}
	if third.PublicKey == nil || *third.PublicKey != key {
		t.Fatal("backfilled key must survive later ensures")
	}
}

func TestEnsureUserRequiresAddress(t *testing.T) {
	store := setupStore(t)
	if _, err := store.EnsureUser(context.Background(), "   ", nil); err == nil {
		t.Fatal("expected error for blank address")
	}
}

func TestAttemptLifecycleSuccess(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	user, err := store.EnsureUser(ctx, "xp1user", nil)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	row, err := store.CreateAttempt(ctx, user.ID, testAttempt("0x01"))
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("expected pending, got %s", row.Status)
	}
	if row.TxHash != nil {
		t.Fatal("expected no tx hash before resolution")
	}

	if err := store.MarkSuccess(ctx, row.ID, "0xhash", 125, 1700000450); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	resolved, err := store.AttemptByOpID(ctx, "0x01")
	if err != nil {
		t.Fatalf("reload attempt: %v", err)
	}
	if resolved.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", resolved.Status)
	}
	if resolved.TxHash == nil || *resolved.TxHash != "0xhash" {
		t.Fatal("expected tx hash on resolved row")
	}
	if resolved.LastOpTime != 1700000450 {
		t.Fatalf("expected refreshed last op time, got %d", resolved.LastOpTime)
	}

	mirror, err := store.UserByAddress(ctx, "xp1user")
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if mirror.XP != 125 {
		t.Fatalf("expected mirror xp 125, got %d", mirror.XP)
	}

	if err := store.MarkSuccess(ctx, row.ID, "0xother", 200, 0); !errors.Is(err, ErrAttemptResolved) {
		t.Fatalf("expected ErrAttemptResolved, got %v", err)
	}
}

func TestAttemptLifecycleFailed(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	user, err := store.EnsureUser(ctx, "xp1user", nil)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	row, err := store.CreateAttempt(ctx, user.ID, testAttempt("0x02"))
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if err := store.MarkFailed(ctx, row.ID, "deadline exceeded after escalation"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	resolved, err := store.AttemptByOpID(ctx, "0x02")
	if err != nil {
		t.Fatalf("reload attempt: %v", err)
	}
	if resolved.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", resolved.Status)
	}
	if !strings.Contains(resolved.Description, "weekly award") || !strings.Contains(resolved.Description, "deadline exceeded") {
		t.Fatalf("expected diagnostic appended, got %q", resolved.Description)
	}
	if err := store.MarkFailed(ctx, row.ID, "again"); !errors.Is(err, ErrAttemptResolved) {
		t.Fatalf("expected ErrAttemptResolved, got %v", err)
	}
}

func TestMarkUnknownAttempt(t *testing.T) {
	store := setupStore(t)
	if err := store.MarkSuccess(context.Background(), uuid.New(), "0x", 0, 0); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
	if err := store.MarkFailed(context.Background(), uuid.New(), ""); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestCreateAttemptRejectsDuplicateOpID(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	user, err := store.EnsureUser(ctx, "xp1user", nil)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := store.CreateAttempt(ctx, user.ID, testAttempt("0x03")); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if _, err := store.CreateAttempt(ctx, user.ID, testAttempt("0x03")); !errors.Is(err, ErrDuplicateOpID) {
		t.Fatalf("expected ErrDuplicateOpID, got %v", err)
	}
}

func TestPendingReturnsUnresolvedOldestFirst(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	user, err := store.EnsureUser(ctx, "xp1user", nil)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	first, err := store.CreateAttempt(ctx, user.ID, testAttempt("0x0a"))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := store.CreateAttempt(ctx, user.ID, testAttempt("0x0b"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatal("expected pending rows oldest first")
	}

	if err := store.MarkSuccess(ctx, first.ID, "0xhash", 50, 0); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	pending, err = store.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after resolve: %v", err)
	}
	if len(pending) != 1 || pending[0].OpID != "0x0b" {
		t.Fatalf("expected only the unresolved attempt, got %d rows", len(pending))
	}
}

func TestUpdateMirror(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if _, err := store.EnsureUser(ctx, "xp1user", nil); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := store.UpdateMirror(ctx, "xp1user", 480); err != nil {
		t.Fatalf("update mirror: %v", err)
	}
	user, err := store.UserByAddress(ctx, "xp1user")
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if user.XP != 480 {
		t.Fatalf("expected xp 480, got %d", user.XP)
	}
	if err := store.UpdateMirror(ctx, "xp1stranger", 1); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
