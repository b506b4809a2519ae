package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"xpledger/codec"
	"xpledger/core"
	"xpledger/crypto"
	"xpledger/storage"
)

const testAuthToken = "rpc-test-token"

type testEnv struct {
	server *httptest.Server
	node   *core.Node
	owner  *crypto.PrivateKey
}

func newTestEnv(t *testing.T, opts ...core.Option) *testEnv {
	t.Helper()
	t.Setenv("XPL_RPC_TOKEN", testAuthToken)

	owner, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := core.NewNode(storage.NewMemDB(), core.Config{
		GenesisOwner: owner.PubKey().Address(),
		MinFee:       1,
		QueueSize:    16,
	}, opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.Start()
	t.Cleanup(node.Stop)

	srv := httptest.NewServer(NewServer(node).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, node: node, owner: owner}
}

func (e *testEnv) awardEnvelope(t *testing.T, user crypto.Address, amount uint64, opID *uint256.Int) *codec.Envelope {
	t.Helper()
	var msg codec.Message = codec.AddXP{User: user, Amount: amount}
	if opID != nil {
		msg = codec.AddXPWithID{User: user, Amount: amount, OpID: opID}
	}
	body, err := codec.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	env, err := codec.NewSignedEnvelope(e.owner, 10, body)
	if err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	return env
}

type rpcReply struct {
	status int
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
	ID int `json:"id"`
}

func rpcCall(t *testing.T, url, token, method string, params ...interface{}) *rpcReply {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      int           `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
	}{jsonRPCVersion, 1, method, params})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer resp.Body.Close()

	reply := &rpcReply{status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return reply
}

func mustResult(t *testing.T, reply *rpcReply, out interface{}) {
	t.Helper()
	if reply.Error != nil {
		t.Fatalf("unexpected RPC error %d: %s", reply.Error.Code, reply.Error.Message)
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
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
