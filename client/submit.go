package client

import (
	"context"
	"encoding/hex"

	"github.com/holiman/uint256"

	"xpledger/codec"
	"xpledger/crypto"
)

// SubmitEnvelope posts a signed envelope and returns the node-computed hash.
// A hash is not a success signal: delivery is best effort and the state
// machine may still reject the message. Confirm by polling reads.
func (c *Client) SubmitEnvelope(ctx context.Context, env *codec.Envelope) ([32]byte, error) {
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return [32]byte{}, err
	}
	var result struct {
		Hash string `json:"hash"`
	}
	params := []interface{}{map[string]string{"envelope": hex.EncodeToString(raw)}}
	if err := c.call(ctx, "xp_submitEnvelope", params, &result); err != nil {
		return [32]byte{}, err
	}
	hash, err := parseHash(result.Hash)
	if err != nil {
		return [32]byte{}, &DecodeError{Method: "xp_submitEnvelope", Err: err}
	}
	return hash, nil
}

// SubmitAward signs and submits an anonymous award. It leaves no history
// record on the ledger and cannot be replay-checked; prefer SubmitAwardWithID
// for anything that needs reconciliation.
func (c *Client) SubmitAward(ctx context.Context, key *crypto.PrivateKey, user crypto.Address, amount, fee uint64) ([32]byte, error) {
	body, err := codec.EncodeMessage(codec.AddXP{User: user, Amount: amount})
	if err != nil {
		return [32]byte{}, err
	}
	env, err := codec.NewSignedEnvelope(key, fee, body)
	if err != nil {
		return [32]byte{}, err
	}
	return c.SubmitEnvelope(ctx, env)
}

// SubmitAwardWithID signs and submits an identified award. The opID must be
// unique within the user's retained history window.
func (c *Client) SubmitAwardWithID(ctx context.Context, key *crypto.PrivateKey, user crypto.Address, amount uint64, opID *uint256.Int, fee uint64) ([32]byte, error) {
	body, err := codec.EncodeMessage(codec.AddXPWithID{User: user, Amount: amount, OpID: opID})
	if err != nil {
		return [32]byte{}, err
	}
	env, err := codec.NewSignedEnvelope(key, fee, body)
	if err != nil {
		return [32]byte{}, err
	}
	return c.SubmitEnvelope(ctx, env)
}

// SubmitUpgrade signs and submits a program upgrade carrying the new code
// image.
func (c *Client) SubmitUpgrade(ctx context.Context, key *crypto.PrivateKey, code []byte, fee uint64) ([32]byte, error) {
	body, err := codec.EncodeMessage(codec.Upgrade{NewCode: code})
	if err != nil {
		return [32]byte{}, err
	}
	env, err := codec.NewSignedEnvelope(key, fee, body)
	if err != nil {
		return [32]byte{}, err
	}
	return c.SubmitEnvelope(ctx, env)
}
