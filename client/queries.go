package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"xpledger/crypto"
)

// HistoryEntry is one identified award, oldest first in UserHistory results.
type HistoryEntry struct {
	Amount    uint64
	Timestamp uint64
	OpID      *uint256.Int
}

// XP returns the user's current balance.
func (c *Client) XP(ctx context.Context, user crypto.Address) (uint64, error) {
	var result struct {
		XP uint64 `json:"xp"`
	}
	if err := c.call(ctx, "xp_getXP", []interface{}{user.String()}, &result); err != nil {
		return 0, err
	}
	return result.XP, nil
}

// XPKey returns the storage key the node derives for a user's balance.
func (c *Client) XPKey(ctx context.Context, user crypto.Address) (*uint256.Int, error) {
	var result struct {
		Key string `json:"key"`
	}
	if err := c.call(ctx, "xp_getXPKey", []interface{}{user.String()}, &result); err != nil {
		return nil, err
	}
	key, err := parseU256(result.Key)
	if err != nil {
		return nil, &DecodeError{Method: "xp_getXPKey", Err: err}
	}
	if key == nil {
		return nil, &DecodeError{Method: "xp_getXPKey", Err: fmt.Errorf("empty key")}
	}
	return key, nil
}

// UserHistory returns the user's retained award records, oldest first.
func (c *Client) UserHistory(ctx context.Context, user crypto.Address) ([]HistoryEntry, error) {
	var result struct {
		Entries []struct {
			Amount    uint64 `json:"amount"`
			Timestamp uint64 `json:"timestamp"`
			OpID      string `json:"opId"`
		} `json:"entries"`
	}
	if err := c.call(ctx, "xp_getUserHistory", []interface{}{user.String()}, &result); err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, len(result.Entries))
	for i, raw := range result.Entries {
		opID, err := parseU256(raw.OpID)
		if err != nil {
			return nil, &DecodeError{Method: "xp_getUserHistory", Err: err}
		}
		entries[i] = HistoryEntry{Amount: raw.Amount, Timestamp: raw.Timestamp, OpID: opID}
	}
	return entries, nil
}

// Owner returns the ledger owner and whether the ledger has been activated.
func (c *Client) Owner(ctx context.Context) (crypto.Address, bool, error) {
	var result struct {
		Owner       string `json:"owner"`
		Initialized bool   `json:"initialized"`
	}
	if err := c.call(ctx, "xp_getOwner", nil, &result); err != nil {
		return crypto.Address{}, false, err
	}
	if strings.TrimSpace(result.Owner) == "" {
		return crypto.Address{}, result.Initialized, nil
	}
	owner, err := crypto.DecodeAddress(result.Owner)
	if err != nil {
		return crypto.Address{}, false, &DecodeError{Method: "xp_getOwner", Err: err}
	}
	return owner, result.Initialized, nil
}

// Version returns the ledger program version.
func (c *Client) Version(ctx context.Context) (uint16, error) {
	var result struct {
		Version uint16 `json:"version"`
	}
	if err := c.call(ctx, "xp_getVersion", nil, &result); err != nil {
		return 0, err
	}
	return result.Version, nil
}

// LastOpTime returns the global cooldown anchor in unix seconds.
func (c *Client) LastOpTime(ctx context.Context) (uint64, error) {
	var result struct {
		LastOpTime uint64 `json:"lastOpTime"`
	}
	if err := c.call(ctx, "xp_getLastOpTime", nil, &result); err != nil {
		return 0, err
	}
	return result.LastOpTime, nil
}

// Level returns the user's display tier.
func (c *Client) Level(ctx context.Context, user crypto.Address) (uint8, error) {
	var result struct {
		Level uint8 `json:"level"`
	}
	if err := c.call(ctx, "xp_getLevel", []interface{}{user.String()}, &result); err != nil {
		return 0, err
	}
	return result.Level, nil
}

// Rank returns the user's rank tier.
func (c *Client) Rank(ctx context.Context, user crypto.Address) (uint8, error) {
	var result struct {
		Rank uint8 `json:"rank"`
	}
	if err := c.call(ctx, "xp_getRank", []interface{}{user.String()}, &result); err != nil {
		return 0, err
	}
	return result.Rank, nil
}

// Reputation folds the caller-supplied activity signals into the node-side
// score for the user.
func (c *Client) Reputation(ctx context.Context, user crypto.Address, daysActive, rating, behaviorWeight int64) (uint8, error) {
	params := map[string]interface{}{
		"address":        user.String(),
		"daysActive":     daysActive,
		"rating":         rating,
		"behaviorWeight": behaviorWeight,
	}
	var result struct {
		Reputation uint8 `json:"reputation"`
	}
	if err := c.call(ctx, "xp_getReputation", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.Reputation, nil
}

// ServerVersion reports the node software identity.
func (c *Client) ServerVersion(ctx context.Context) (string, string, error) {
	var result struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := c.call(ctx, "xp_clientVersion", nil, &result); err != nil {
		return "", "", err
	}
	return result.Name, result.Version, nil
}

// parseU256 decodes a 0x-prefixed big-endian integer. Empty input yields nil,
// matching how the server omits absent op ids.
func parseU256(s string) (*uint256.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("value exceeds 256 bits")
	}
	return new(uint256.Int).SetBytes(raw), nil
}
