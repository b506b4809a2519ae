package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"xpledger/crypto"
)

const awardHistoryLimit = 1024

// AwardUpdate captures one applied award for stream consumers.
type AwardUpdate struct {
	Sequence     uint64
	Cursor       string
	User         crypto.Address
	Amount       uint64
	NewTotal     uint64
	OpID         *uint256.Int
	Timestamp    uint64
	EnvelopeHash [32]byte
}

func cloneAwardUpdate(update AwardUpdate) AwardUpdate {
	cloned := update
	if update.OpID != nil {
		cloned.OpID = new(uint256.Int).Set(update.OpID)
	}
	return cloned
}

func (n *Node) publishAward(update AwardUpdate) {
	if n == nil {
		return
	}

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan AwardUpdate)
	}
	n.streamSeq++
	update.Sequence = n.streamSeq
	update.Cursor = strconv.FormatUint(update.Sequence, 10)
	n.streamHistory = append(n.streamHistory, cloneAwardUpdate(update))
	if len(n.streamHistory) > awardHistoryLimit {
		excess := len(n.streamHistory) - awardHistoryLimit
		trimmed := make([]AwardUpdate, awardHistoryLimit)
		copy(trimmed, n.streamHistory[excess:])
		n.streamHistory = trimmed
	}
	subscribers := make([]chan AwardUpdate, 0, len(n.streamSubs))
	for _, ch := range n.streamSubs {
		subscribers = append(subscribers, ch)
	}
	n.streamMu.Unlock()

	broadcast := cloneAwardUpdate(update)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// AwardsSubscribe registers a subscriber for applied-award updates starting
// after the supplied cursor. The returned backlog replays retained history;
// live updates follow on the channel until cancel runs or ctx ends.
func (n *Node) AwardsSubscribe(ctx context.Context, cursor string) (<-chan AwardUpdate, func(), []AwardUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("core: node not initialised")
	}
	updates := make(chan AwardUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("core: invalid cursor %q", cursor)
		}
		since = parsed
	}

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan AwardUpdate)
	}
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	history := make([]AwardUpdate, len(n.streamHistory))
	copy(history, n.streamHistory)
	n.streamMu.Unlock()

	backlog := make([]AwardUpdate, 0, len(history))
	for _, update := range history {
		if update.Sequence > since {
			backlog = append(backlog, cloneAwardUpdate(update))
		}
	}

	var once bool
	cancel := func() {
		n.streamMu.Lock()
		if !once {
			once = true
			delete(n.streamSubs, id)
			close(updates)
		}
		n.streamMu.Unlock()
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
