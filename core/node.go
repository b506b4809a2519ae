package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xpledger/codec"
	"xpledger/crypto"
	"xpledger/ledger"
	"xpledger/observability"
	"xpledger/storage"
)

var (
	rootKey = []byte("xpledger/root")
	codeKey = []byte("xpledger/code")
)

// Config carries the node's ledger parameters.
type Config struct {
	// GenesisOwner seeds a fresh ledger with this owner. Zero leaves the
	// ledger uninitialized until the first delivered envelope.
	GenesisOwner crypto.Address
	// MinFee is the delivery floor; envelopes attaching less are dropped
	// without a trace beyond metrics, mirroring a fee market that never
	// schedules underpriced messages.
	MinFee uint64
	// QueueSize bounds the inbound envelope queue.
	QueueSize int
}

// Option adjusts node construction.
type Option func(*Node)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

// WithLogger sets the node's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithDeliveryHook installs a delivery filter. Returning false drops the
// envelope as if the network lost it. Tests use this to exercise the
// reconciliation engine's stall handling.
func WithDeliveryHook(hook func(*codec.Envelope) bool) Option {
	return func(n *Node) {
		n.deliver = hook
	}
}

// Node hosts the ledger program: it owns the storage-backed state, consumes
// the inbound envelope queue one message at a time, and answers read-only
// queries from a shared snapshot.
type Node struct {
	cfg     Config
	db      storage.Database
	logger  *slog.Logger
	metrics *observability.NodeMetrics
	now     func() time.Time
	deliver func(*codec.Envelope) bool

	mu    sync.RWMutex
	state *ledger.State

	inbound   chan *codec.Envelope
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	streamMu      sync.Mutex
	streamSubs    map[uint64]chan AwardUpdate
	streamHistory []AwardUpdate
	streamSeq     uint64
	streamNextID  uint64
}

// NewNode loads or creates the ledger state and prepares the message loop.
// Call Start to begin consuming envelopes.
func NewNode(db storage.Database, cfg Config, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, errors.New("core: nil database")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}

	n := &Node{
		cfg:     cfg,
		db:      db,
		logger:  slog.Default(),
		metrics: observability.Node(),
		now:     time.Now,
		inbound: make(chan *codec.Envelope, cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	raw, err := db.Get(rootKey)
	switch {
	case err == nil:
		root, err := codec.DecodeRoot(raw)
		if err != nil {
			return nil, fmt.Errorf("core: decode stored root: %w", err)
		}
		n.state = ledger.FromRoot(root)
	case errors.Is(err, storage.ErrNotFound):
		n.state = ledger.NewState()
		if !cfg.GenesisOwner.IsZero() {
			env := ledger.Env{Sender: cfg.GenesisOwner, Now: uint64(n.now().Unix())}
			if _, err := ledger.Apply(n.state, env, codec.Initialize{}); err != nil {
				return nil, fmt.Errorf("core: genesis initialize: %w", err)
			}
			if err := n.persistLocked(); err != nil {
				return nil, err
			}
			n.logger.Info("ledger initialized at genesis", "owner", cfg.GenesisOwner.String())
		}
	default:
		return nil, fmt.Errorf("core: load root: %w", err)
	}
	return n, nil
}

// Start launches the message loop.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		go n.loop()
	})
}

// Stop halts the message loop. Envelopes still queued behind the in-flight
// one are discarded, which the delivery model already permits.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
	})
	<-n.done
}

// SubmitEnvelope places an envelope on the inbound queue and returns its
// hash. There is no success signal: the hash is handed out whether or not
// the message is later dropped, underpriced, or rejected. Callers learn the
// outcome by polling state.
func (n *Node) SubmitEnvelope(env *codec.Envelope) ([32]byte, error) {
	if env == nil {
		return [32]byte{}, errors.New("core: nil envelope")
	}
	if len(env.Body) > codec.MaxEnvelopeBody {
		return [32]byte{}, codec.ErrBodyTooLarge
	}
	hash := env.Hash()
	select {
	case n.inbound <- env:
		n.metrics.SetQueueDepth(len(n.inbound))
	default:
		n.metrics.RecordDropped("queue_full")
	}
	return hash, nil
}

func (n *Node) loop() {
	defer close(n.done)
	for {
		select {
		case <-n.quit:
			return
		case env := <-n.inbound:
			n.metrics.SetQueueDepth(len(n.inbound))
			n.process(env)
		}
	}
}

func (n *Node) process(env *codec.Envelope) {
	if n.deliver != nil && !n.deliver(env) {
		n.metrics.RecordDropped("network")
		return
	}
	if env.Fee < n.cfg.MinFee {
		n.metrics.RecordDropped("underpriced")
		n.logger.Debug("dropped underpriced envelope", "fee", env.Fee, "min_fee", n.cfg.MinFee)
		return
	}
	if err := env.Verify(); err != nil {
		n.metrics.RecordDropped("bad_signature")
		n.logger.Warn("dropped unverifiable envelope", "error", err)
		return
	}

	msg, err := codec.DecodeMessage(env.Body)
	if err != nil {
		n.metrics.RecordRejected(ledger.CodeInvalidOp)
		n.logger.Warn("rejected undecodable message", "error", err)
		return
	}

	execEnv := ledger.Env{Sender: env.Sender, Now: uint64(n.now().Unix())}

	n.mu.Lock()
	receipt, err := ledger.Apply(n.state, execEnv, msg)
	if err != nil {
		n.mu.Unlock()
		var lerr *ledger.Error
		if errors.As(err, &lerr) {
			n.metrics.RecordRejected(lerr.Code)
			n.logger.Info("rejected message", "code", lerr.Code, "error", lerr.Message)
		} else {
			n.metrics.RecordRejected(0)
			n.logger.Error("apply failed", "error", err)
		}
		return
	}
	if persistErr := n.persistLocked(); persistErr != nil {
		// The in-memory state already advanced; surface loudly and keep
		// serving. A restart replays from the last durable root.
		n.logger.Error("persist ledger root", "error", persistErr)
	}
	if up, ok := msg.(codec.Upgrade); ok {
		if err := n.db.Put(codeKey, up.NewCode); err != nil {
			n.logger.Error("persist program code", "error", err)
		}
	}
	n.mu.Unlock()

	n.metrics.RecordApplied(receipt.Opcode)
	switch receipt.Opcode {
	case codec.OpAddXP, codec.OpAddXPWithID:
		n.publishAward(AwardUpdate{
			User:         receipt.User,
			Amount:       receipt.Amount,
			NewTotal:     receipt.NewTotal,
			OpID:         receipt.OpID,
			Timestamp:    receipt.Timestamp,
			EnvelopeHash: env.Hash(),
		})
	}
}

// persistLocked encodes and writes the current root. Callers hold n.mu or
// have exclusive access during construction.
func (n *Node) persistLocked() error {
	encoded, err := codec.EncodeRoot(n.state.Root())
	if err != nil {
		return fmt.Errorf("core: encode root: %w", err)
	}
	if err := n.db.Put(rootKey, encoded); err != nil {
		return fmt.Errorf("core: write root: %w", err)
	}
	return nil
}

// --- read-only queries ---

// XP returns a user's balance, 0 when absent.
func (n *Node) XP(user crypto.Address) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.XP(user)
}

// History returns the user's retained operation records, oldest first.
func (n *Node) History(user crypto.Address) []ledger.Record {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.History(user)
}

// Owner returns the privileged writer.
func (n *Node) Owner() crypto.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Owner()
}

// Version returns the program version.
func (n *Node) Version() uint16 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Version()
}

// LastOpTime returns the unix time of the last successful award.
func (n *Node) LastOpTime() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.LastOpTime()
}

// Initialized reports whether the ledger has an owner.
func (n *Node) Initialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Initialized()
}
