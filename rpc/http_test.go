package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"nhooyr.io/websocket"

	"xpledger/codec"
	"xpledger/crypto"
	"xpledger/ledger"
)

func testUser(t *testing.T) crypto.Address {
	t.Helper()
	b := make([]byte, crypto.AddressLength)
	for i := range b {
		b[i] = byte(i + 1)
	}
	addr, err := crypto.NewAddress(b)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	return addr
}

func submitDirect(t *testing.T, env *testEnv, user crypto.Address, amount uint64, opID *uint256.Int) {
	t.Helper()
	before := env.node.XP(user)
	if _, err := env.node.SubmitEnvelope(env.awardEnvelope(t, user, amount, opID)); err != nil {
		t.Fatalf("submit envelope: %v", err)
	}
	waitFor(t, "award to apply", func() bool { return env.node.XP(user) == before+amount })
}

func TestQueryEndpointsServeLedgerState(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)
	submitDirect(t, env, user, 150, uint256.NewInt(7))

	var xp XPResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getXP", user.String()), &xp)
	if xp.XP != 150 || xp.Address != user.String() {
		t.Fatalf("unexpected xp result: %+v", xp)
	}

	var level LevelResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getLevel", user.String()), &level)
	if level.Level != 1 {
		t.Fatalf("expected level 1 at 150 xp, got %d", level.Level)
	}

	var rank RankResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getRank", user.String()), &rank)
	if rank.Rank != 1 {
		t.Fatalf("expected rank 1 at 150 xp, got %d", rank.Rank)
	}

	var owner OwnerResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getOwner"), &owner)
	if !owner.Initialized || owner.Owner != env.owner.PubKey().Address().String() {
		t.Fatalf("unexpected owner result: %+v", owner)
	}

	var version VersionResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getVersion"), &version)
	if version.Version != 1 {
		t.Fatalf("expected version 1, got %d", version.Version)
	}

	var last LastOpTimeResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getLastOpTime"), &last)
	if last.LastOpTime == 0 {
		t.Fatalf("expected lastOpTime to advance after an award")
	}

	var cv ClientVersionResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_clientVersion"), &cv)
	if cv.Name != serverName {
		t.Fatalf("unexpected server name %q", cv.Name)
	}
}

func TestGetXPKeyMatchesDerivation(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)

	var result XPKeyResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getXPKey", user.String()), &result)

	want := ledger.XPKey(user).Bytes32()
	if result.Key != "0x"+hex.EncodeToString(want[:]) {
		t.Fatalf("key mismatch: got %s", result.Key)
	}
}

func TestGetUserHistoryReturnsEntries(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)
	submitDirect(t, env, user, 40, uint256.NewInt(901))

	var result HistoryResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getUserHistory", user.String()), &result)
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(result.Entries))
	}
	entry := result.Entries[0]
	if entry.Amount != 40 || entry.Timestamp == 0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	wantOp := uint256.NewInt(901).Bytes32()
	if entry.OpID != "0x"+hex.EncodeToString(wantOp[:]) {
		t.Fatalf("unexpected opId %s", entry.OpID)
	}
}

func TestGetReputationAppliesSignals(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)
	submitDirect(t, env, user, 150, uint256.NewInt(11))

	var result ReputationResult
	mustResult(t, rpcCall(t, env.server.URL, "", "xp_getReputation", map[string]interface{}{
		"address":        user.String(),
		"daysActive":     5,
		"rating":         1,
		"behaviorWeight": 0,
	}), &result)
	// 150/10 + 5*2 + 1*5 + 18 = 48
	if result.Reputation != 48 {
		t.Fatalf("expected reputation 48, got %d", result.Reputation)
	}
}

func TestGetReputationRejectsNegativeSignals(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)

	reply := rpcCall(t, env.server.URL, "", "xp_getReputation", map[string]interface{}{
		"address":    user.String(),
		"daysActive": -1,
	})
	if reply.Error == nil || reply.Error.Code != codeLedgerRejected {
		t.Fatalf("expected ledger rejection, got %+v", reply.Error)
	}
	var data ledgerErrorData
	if err := json.Unmarshal(reply.Error.Data, &data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.LedgerCode != ledger.CodeInvalidArgument {
		t.Fatalf("expected code %d, got %d", ledger.CodeInvalidArgument, data.LedgerCode)
	}
}

func TestSubmitEnvelopeAcceptsSignedAward(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)
	award := env.awardEnvelope(t, user, 25, uint256.NewInt(31))
	raw, err := codec.EncodeEnvelope(award)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	var result SubmitEnvelopeResult
	mustResult(t, rpcCall(t, env.server.URL, testAuthToken, "xp_submitEnvelope", map[string]string{
		"envelope": hex.EncodeToString(raw),
	}), &result)

	wantHash := award.Hash()
	if result.Hash != "0x"+hex.EncodeToString(wantHash[:]) {
		t.Fatalf("hash mismatch: got %s", result.Hash)
	}
	waitFor(t, "submitted award to apply", func() bool { return env.node.XP(user) == 25 })
}

func TestSubmitEnvelopeRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	reply := rpcCall(t, env.server.URL, "", "xp_submitEnvelope", map[string]string{"envelope": "00"})
	if reply.Error == nil || reply.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", reply.Error)
	}
	if reply.status != 401 {
		t.Fatalf("expected HTTP 401, got %d", reply.status)
	}

	reply = rpcCall(t, env.server.URL, "wrong-token", "xp_submitEnvelope", map[string]string{"envelope": "00"})
	if reply.Error == nil || reply.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error for bad token, got %+v", reply.Error)
	}
}

func TestSubmitEnvelopeRejectsMalformedInput(t *testing.T) {
	env := newTestEnv(t)

	reply := rpcCall(t, env.server.URL, testAuthToken, "xp_submitEnvelope", map[string]string{"envelope": "zzzz"})
	if reply.Error == nil || reply.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params for bad hex, got %+v", reply.Error)
	}

	reply = rpcCall(t, env.server.URL, testAuthToken, "xp_submitEnvelope", map[string]string{"envelope": "deadbeef"})
	if reply.Error == nil || reply.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params for truncated envelope, got %+v", reply.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	reply := rpcCall(t, env.server.URL, "", "xp_unknownMethod")
	if reply.Error == nil || reply.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", reply.Error)
	}
}

func TestAllowSubmitThrottlesPerSource(t *testing.T) {
	server := NewServer(nil)
	for i := 0; i < submitBurst; i++ {
		if !server.allowSubmit("203.0.113.7") {
			t.Fatalf("request %d should pass the burst allowance", i)
		}
	}
	if server.allowSubmit("203.0.113.7") {
		t.Fatalf("expected throttle once the burst is spent")
	}
	if !server.allowSubmit("203.0.113.8") {
		t.Fatalf("distinct source should have its own allowance")
	}
}

func TestClientSourcePrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if source := clientSource(req); source != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", source)
	}

	req = httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if source := clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote host, got %q", source)
	}
}

func TestAwardsWebsocketStreamsApplied(t *testing.T) {
	env := newTestEnv(t)
	user := testUser(t)
	submitDirect(t, env, user, 60, uint256.NewInt(77))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/awards"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial award stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read award update: %v", err)
	}
	var payload AwardStreamPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode award update: %v", err)
	}
	if payload.User != user.String() || payload.Amount != 60 || payload.NewTotal != 60 {
		t.Fatalf("unexpected award payload: %+v", payload)
	}
	if payload.Cursor == "" || payload.EnvelopeHash == "" {
		t.Fatalf("expected cursor and envelope hash, got %+v", payload)
	}
}
