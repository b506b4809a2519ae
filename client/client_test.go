package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"xpledger/core"
	"xpledger/crypto"
	"xpledger/ledger"
	"xpledger/rpc"
	"xpledger/storage"
)

const testToken = "client-test-token"

func newLedgerServer(t *testing.T) (*httptest.Server, *crypto.PrivateKey) {
	t.Helper()
	t.Setenv("XPL_RPC_TOKEN", testToken)

	owner, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := core.NewNode(storage.NewMemDB(), core.Config{
		GenesisOwner: owner.PubKey().Address(),
		MinFee:       1,
		QueueSize:    16,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.Start()
	t.Cleanup(node.Stop)

	srv := httptest.NewServer(rpc.NewServer(node).Handler())
	t.Cleanup(srv.Close)
	return srv, owner
}

func testAddr(t *testing.T, seed byte) crypto.Address {
	t.Helper()
	b := make([]byte, crypto.AddressLength)
	for i := range b {
		b[i] = seed + byte(i)
	}
	addr, err := crypto.NewAddress(b)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	return addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientEndToEnd(t *testing.T) {
	srv, owner := newLedgerServer(t)
	cli := New(Config{URL: srv.URL, AuthToken: testToken, Timeout: 5 * time.Second})
	ctx := context.Background()
	user := testAddr(t, 1)

	hash, err := cli.SubmitAwardWithID(ctx, owner, user, 150, uint256.NewInt(42), 5)
	if err != nil {
		t.Fatalf("submit award: %v", err)
	}
	if hash == ([32]byte{}) {
		t.Fatalf("expected non-zero envelope hash")
	}
	waitFor(t, "award to confirm", func() bool {
		xp, err := cli.XP(ctx, user)
		return err == nil && xp == 150
	})

	level, err := cli.Level(ctx, user)
	if err != nil || level != 1 {
		t.Fatalf("level = %d, err %v", level, err)
	}
	rank, err := cli.Rank(ctx, user)
	if err != nil || rank != 1 {
		t.Fatalf("rank = %d, err %v", rank, err)
	}
	rep, err := cli.Reputation(ctx, user, 5, 1, 0)
	if err != nil || rep != 48 {
		t.Fatalf("reputation = %d, err %v", rep, err)
	}

	gotOwner, initialized, err := cli.Owner(ctx)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !initialized || gotOwner != owner.PubKey().Address() {
		t.Fatalf("owner mismatch: %s initialized=%v", gotOwner.String(), initialized)
	}

	version, err := cli.Version(ctx)
	if err != nil || version != 1 {
		t.Fatalf("version = %d, err %v", version, err)
	}
	lastOp, err := cli.LastOpTime(ctx)
	if err != nil || lastOp == 0 {
		t.Fatalf("lastOpTime = %d, err %v", lastOp, err)
	}

	history, err := cli.UserHistory(ctx, user)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Amount != 150 || history[0].OpID == nil || history[0].OpID.Uint64() != 42 {
		t.Fatalf("unexpected history: %+v", history)
	}

	key, err := cli.XPKey(ctx, user)
	if err != nil {
		t.Fatalf("xp key: %v", err)
	}
	if !key.Eq(ledger.XPKey(user)) {
		t.Fatalf("xp key mismatch: %s", key.Hex())
	}

	name, _, err := cli.ServerVersion(ctx)
	if err != nil || name != "xpledger" {
		t.Fatalf("server version = %q, err %v", name, err)
	}
}

func TestClientMapsLedgerErrors(t *testing.T) {
	srv, _ := newLedgerServer(t)
	cli := New(Config{URL: srv.URL})
	user := testAddr(t, 9)

	_, err := cli.Reputation(context.Background(), user, -1, 0, 0)
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestClientRejectsUnauthorizedSubmit(t *testing.T) {
	srv, owner := newLedgerServer(t)
	cli := New(Config{URL: srv.URL, AuthToken: "wrong-token"})
	user := testAddr(t, 3)

	_, err := cli.SubmitAward(context.Background(), owner, user, 5, 5)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32001 {
		t.Fatalf("expected unauthorized code, got %d", rpcErr.Code)
	}
}

func TestClientReportsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	cli := New(Config{URL: url, Timeout: time.Second})
	_, err := cli.XP(context.Background(), testAddr(t, 5))
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClientReportsDecodeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  map[string]string{"xp": "many"},
		})
	}))
	defer srv.Close()

	cli := New(Config{URL: srv.URL})
	_, err := cli.XP(context.Background(), testAddr(t, 5))
	var decode *DecodeError
	if !errors.As(err, &decode) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decode.Method != "xp_getXP" {
		t.Fatalf("unexpected method %q", decode.Method)
	}
}
