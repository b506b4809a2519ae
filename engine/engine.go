// Package engine drives award batches to completion against a ledger that
// gives no synchronous success signal. Submissions are idempotent by opId,
// confirmation is observed by polling balances, and every attempt leaves
// exactly one terminal audit row.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"xpledger/audit"
	"xpledger/client"
	"xpledger/crypto"
	"xpledger/ledger"
	"xpledger/observability"
)

// ErrNotBatchOwner aborts a run before any submission when the configured
// signer does not match the ledger owner. Submitting anyway would burn fees
// on guaranteed NotOwner rejections.
var ErrNotBatchOwner = errors.New("engine: signer is not the ledger owner")

type attemptState uint8

const (
	stateIdle attemptState = iota
	stateSubmitted
	statePolling
	stateConfirmed
	stateEscalated
	stateFailed
)

func (s attemptState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSubmitted:
		return "submitted"
	case statePolling:
		return "polling"
	case stateConfirmed:
		return "confirmed"
	case stateEscalated:
		return "escalated"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Client  *client.Client
	Signer  *crypto.PrivateKey
	Store   *audit.Store
	Journal *Journal
	Logger  *slog.Logger
	Metrics *observability.AwarddMetrics
	Now     func() time.Time
}

// Runner executes one award batch. Writes are strictly serialized: a
// target's attempt, including its confirmation wait, finishes before the
// next target starts.
type Runner struct {
	cfg     Config
	client  *client.Client
	signer  *crypto.PrivateKey
	store   *audit.Store
	journal *Journal
	logger  *slog.Logger
	metrics *observability.AwarddMetrics
	now     func() time.Time

	signerAddr      crypto.Address
	contractOwner   string
	contractVersion uint16

	mu        sync.Mutex
	paused    bool
	current   string
	confirmed int
	failed    int
	skipped   int
}

// NewRunner validates the dependency set and builds a runner for cfg.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("engine: client is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("engine: signer is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: audit store is required")
	}
	if deps.Journal == nil {
		return nil, fmt.Errorf("engine: journal is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Awardd()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Runner{
		cfg:        cfg,
		client:     deps.Client,
		signer:     deps.Signer,
		store:      deps.Store,
		journal:    deps.Journal,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
		signerAddr: deps.Signer.PubKey().Address(),
		paused:     cfg.PauseOnStart,
	}
	r.metrics.SetPause(r.paused)
	return r, nil
}

// Summary tallies the outcome of one run.
type Summary struct {
	Confirmed int
	Failed    int
	Skipped   int
}

// Status is the admin-facing snapshot of runner state.
type Status struct {
	Paused    bool   `json:"paused"`
	Current   string `json:"current,omitempty"`
	Confirmed int    `json:"confirmed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Remaining int    `json:"remaining"`
}

// Pause halts new submissions. The in-flight target, if any, still runs to
// a terminal status.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.metrics.SetPause(true)
	r.logger.Info("runner paused")
}

// Resume re-enables submissions.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.metrics.SetPause(false)
	r.logger.Info("runner resumed")
}

// Status reports the current runner snapshot.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	processed := r.confirmed + r.failed + r.skipped
	remaining := len(r.cfg.Batch.Targets) - processed
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Paused:    r.paused,
		Current:   r.current,
		Confirmed: r.confirmed,
		Failed:    r.failed,
		Skipped:   r.skipped,
		Remaining: remaining,
	}
}

// Run verifies the signing identity, resolves attempts orphaned by an
// earlier crash, then drives every batch target to a terminal outcome.
// Cancellation is cooperative: the in-flight attempt's audit row reaches a
// terminal status before Run returns.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	owner, initialized, err := r.client.Owner(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("engine: verify owner: %w", err)
	}
	if !initialized || owner != r.signerAddr {
		return Summary{}, ErrNotBatchOwner
	}
	r.contractOwner = owner.String()
	if version, err := r.client.Version(ctx); err == nil {
		r.contractVersion = version
	}
	if err := r.resolveOrphans(ctx); err != nil {
		return Summary{}, err
	}

	summary := Summary{}
	for _, target := range r.cfg.Batch.Targets {
		if err := r.pauseGate(ctx); err != nil {
			return summary, err
		}
		switch r.processTarget(ctx, target) {
		case stateConfirmed:
			summary.Confirmed++
			r.tally(func() { r.confirmed++ })
		case stateFailed:
			summary.Failed++
			r.tally(func() { r.failed++ })
		case stateIdle:
			summary.Skipped++
			r.tally(func() { r.skipped++ })
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}
	r.logger.Info("batch finished",
		"batch", r.cfg.Batch.Name,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	return summary, nil
}

func (r *Runner) tally(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

func (r *Runner) setCurrent(address string) {
	r.mu.Lock()
	r.current = address
	r.mu.Unlock()
}

// pauseGate blocks between targets while the runner is paused.
func (r *Runner) pauseGate(ctx context.Context) error {
	for {
		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()
		if !paused {
			return nil
		}
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

// processTarget returns stateConfirmed, stateFailed, or stateIdle (skipped
// because the journal already holds a terminal entry).
func (r *Runner) processTarget(ctx context.Context, target Target) attemptState {
	address := strings.TrimSpace(target.Address)
	r.setCurrent(address)
	defer r.setCurrent("")

	entry := Entry{
		Batch:       r.cfg.Batch.Name,
		Address:     address,
		Amount:      target.Amount,
		Description: target.Description,
		Status:      JournalPending,
	}
	if previous, found, err := r.journal.Lookup(entry.Key()); err != nil {
		r.logger.Error("journal lookup failed; refusing to submit without idempotency cover",
			"address", address, "error", err)
		r.metrics.RecordOutcome("failed")
		return stateFailed
	} else if found && previous.Status != JournalPending {
		r.logger.Info("skipping completed target", "address", address, "status", previous.Status)
		r.metrics.RecordOutcome("skipped")
		return stateIdle
	}

	addr, err := crypto.DecodeAddress(address)
	if err != nil {
		r.logger.Error("invalid target address", "address", address, "error", err)
		r.metrics.RecordOutcome("failed")
		return stateFailed
	}
	user, err := r.store.EnsureUser(ctx, address, nil)
	if err != nil {
		r.logger.Error("audit user upsert failed; not submitting without a trail",
			"address", address, "error", err)
		r.metrics.RecordOutcome("failed")
		return stateFailed
	}

	var beforeXP uint64
	if xp, err := r.client.XP(ctx, addr); err == nil {
		beforeXP = xp
	} else {
		r.logger.Warn("balance snapshot failed; treating as zero", "address", address, "error", err)
	}
	lastOp := r.waitCooldown(ctx)

	first := r.runAttempt(ctx, addr, target, user.ID, &entry, attemptPlan{
		beforeXP: beforeXP,
		fee:      r.cfg.Submit.Fee,
		checks:   r.cfg.Poll.Checks,
		lastOp:   lastOp,
	})
	switch first.state {
	case stateConfirmed:
		r.resolveSingle(ctx, &entry, first, "initial")
		return stateConfirmed
	case stateFailed:
		r.finishEntry(&entry, JournalFailed)
		r.metrics.RecordOutcome("failed")
		return stateFailed
	}

	// No rejection and no balance change inside the deadline: the outcome
	// is unknowable from here. Escalate exactly once with a fresh opId and
	// a strictly higher fee.
	r.metrics.RecordEscalation()
	r.logger.Warn("no balance change within deadline; escalating",
		"address", address, "opId", first.opIDHex, "fee", first.fee)
	second := r.runAttempt(ctx, addr, target, user.ID, &entry, attemptPlan{
		beforeXP: beforeXP,
		fee:      r.cfg.Submit.Fee * r.cfg.Submit.EscalationFactor,
		checks:   r.cfg.Poll.EscalatedChecks,
		lastOp:   lastOp,
	})
	switch second.state {
	case stateConfirmed:
		r.resolveEscalated(ctx, addr, &entry, first, second)
		return stateConfirmed
	case stateFailed:
		// The escalated attempt resolved its own row; the stalled first
		// attempt still needs its terminal status.
		r.failRow(first.row, fmt.Sprintf("unconfirmed within deadline; escalated attempt %s also failed", second.opIDHex))
		r.finishEntry(&entry, JournalFailed)
		r.metrics.RecordOutcome("failed")
		return stateFailed
	default:
		r.failStalled(ctx, &entry, first, second)
		return stateFailed
	}
}

// attemptPlan parameterises one submission attempt.
type attemptPlan struct {
	beforeXP uint64
	fee      uint64
	checks   int
	lastOp   uint64
}

type attemptResult struct {
	state    attemptState
	opID     *uint256.Int
	opIDHex  string
	hash     [32]byte
	hashHex  string
	fee      uint64
	row      *audit.Transaction
	newTotal uint64
	latency  time.Duration
}

// runAttempt submits one operation and polls for confirmation. It returns
// stateConfirmed, stateFailed (rejection or exhausted transport budget,
// row already resolved), or statePolling (deadline passed, row still
// pending for the caller to resolve).
func (r *Runner) runAttempt(ctx context.Context, addr crypto.Address, target Target, userID uuid.UUID, entry *Entry, plan attemptPlan) attemptResult {
	res := attemptResult{state: stateIdle, fee: plan.fee}

	opID, err := newOpID()
	if err != nil {
		r.logger.Error("opId generation failed", "error", err)
		res.state = stateFailed
		return res
	}
	res.opID = opID
	res.opIDHex = opIDHex(opID)

	row, err := r.store.CreateAttempt(ctx, userID, audit.Attempt{
		OpID:            res.opIDHex,
		Amount:          target.Amount,
		Sender:          r.signerAddr.String(),
		Receiver:        addr.String(),
		ContractAddress: r.cfg.Node.Endpoint,
		ContractOwner:   r.contractOwner,
		ContractVersion: r.contractVersion,
		LastOpTime:      plan.lastOp,
		Description:     target.Description,
	})
	if err != nil {
		r.logger.Error("audit attempt row failed; not submitting without a trail",
			"address", entry.Address, "error", err)
		res.state = stateFailed
		return res
	}
	res.row = row

	entry.Attempts = append(entry.Attempts, AttemptRef{OpID: res.opIDHex})
	entry.Status = JournalPending
	entry.UpdatedAt = r.now()
	if err := r.journal.Put(*entry); err != nil {
		r.logger.Warn("journal write failed; restart dedup degraded", "error", err)
	}

	res.state = stateSubmitted
	var hash [32]byte
	var submitErr error
	backoff := r.cfg.Submit.Backoff.Duration
	for i := 0; i < r.cfg.Submit.Attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				submitErr = err
				break
			}
			backoff *= 2
		}
		hash, submitErr = r.client.SubmitAwardWithID(ctx, r.signer, addr, target.Amount, opID, plan.fee)
		r.metrics.RecordSubmit(submitErr)
		if submitErr == nil {
			break
		}
		if !client.IsTransient(submitErr) {
			break
		}
	}
	if submitErr != nil {
		res.state = stateFailed
		var lerr *ledger.Error
		switch {
		case errors.As(submitErr, &lerr):
			r.failRow(row, fmt.Sprintf("ledger rejected opId %s: code %d: %s", res.opIDHex, lerr.Code, lerr.Message))
		case ctx.Err() != nil:
			r.failRow(row, fmt.Sprintf("cancelled before submission of opId %s completed", res.opIDHex))
		default:
			r.failRow(row, fmt.Sprintf("transport failed after %d attempts: %v", r.cfg.Submit.Attempts, submitErr))
		}
		return res
	}
	res.hash = hash
	res.hashHex = "0x" + hex.EncodeToString(hash[:])
	entry.Attempts[len(entry.Attempts)-1].Hash = res.hashHex
	entry.UpdatedAt = r.now()
	if err := r.journal.Put(*entry); err != nil {
		r.logger.Warn("journal write failed; restart dedup degraded", "error", err)
	}

	res.state = statePolling
	started := r.now()
	for i := 0; i < plan.checks; i++ {
		if err := sleepCtx(ctx, r.cfg.Poll.Interval.Duration); err != nil {
			res.state = stateFailed
			r.failRow(row, fmt.Sprintf("cancelled during confirmation wait for opId %s; outcome unknown", res.opIDHex))
			return res
		}
		r.metrics.RecordPoll()
		xp, err := r.client.XP(ctx, addr)
		if err != nil {
			continue
		}
		if xp > plan.beforeXP {
			res.state = stateConfirmed
			res.newTotal = xp
			res.latency = r.now().Sub(started)
			return res
		}
	}
	return res
}

// resolveSingle records a confirmation observed without escalation.
func (r *Runner) resolveSingle(ctx context.Context, entry *Entry, res attemptResult, phase string) {
	lastOp, err := r.client.LastOpTime(ctx)
	if err != nil {
		lastOp = 0
	}
	if err := r.store.MarkSuccess(ctx, res.row.ID, res.hashHex, res.newTotal, lastOp); err != nil {
		r.logger.Error("audit success write failed", "opId", res.opIDHex, "error", err)
	}
	r.finishEntry(entry, JournalConfirmed)
	r.metrics.RecordOutcome("success")
	r.metrics.ObserveConfirmLatency(phase, res.latency)
	r.logger.Info("award confirmed",
		"address", entry.Address, "opId", res.opIDHex, "newTotal", res.newTotal, "phase", phase)
}

// resolveEscalated settles both attempt rows after the escalated attempt
// observed a balance increase. The on-chain history says which opIds
// actually landed; a late-arriving first attempt may have applied too.
func (r *Runner) resolveEscalated(ctx context.Context, addr crypto.Address, entry *Entry, first, second attemptResult) {
	applied := make(map[[32]byte]bool)
	if history, err := r.client.UserHistory(ctx, addr); err == nil {
		for _, h := range history {
			if h.OpID != nil {
				applied[h.OpID.Bytes32()] = true
			}
		}
	} else {
		r.logger.Warn("history fetch failed; attributing confirmation to the escalated attempt", "error", err)
		applied[second.opID.Bytes32()] = true
	}
	if !applied[first.opID.Bytes32()] && !applied[second.opID.Bytes32()] {
		// The balance rose but neither opId is visible; attribute to the
		// attempt whose window observed the change.
		applied[second.opID.Bytes32()] = true
	}
	lastOp, err := r.client.LastOpTime(ctx)
	if err != nil {
		lastOp = 0
	}
	for _, res := range []attemptResult{first, second} {
		if applied[res.opID.Bytes32()] {
			if err := r.store.MarkSuccess(ctx, res.row.ID, res.hashHex, second.newTotal, lastOp); err != nil {
				r.logger.Error("audit success write failed", "opId", res.opIDHex, "error", err)
			}
			continue
		}
		r.failRow(res.row, fmt.Sprintf("opId %s absent from on-chain history after escalation confirmed", res.opIDHex))
	}
	r.finishEntry(entry, JournalConfirmed)
	r.metrics.RecordOutcome("success")
	r.metrics.ObserveConfirmLatency("escalated", second.latency)
	r.logger.Info("award confirmed after escalation",
		"address", entry.Address, "opId", second.opIDHex, "newTotal", second.newTotal)
}

// failStalled records the terminal failure after both the original and the
// escalated attempt missed their deadlines.
func (r *Runner) failStalled(ctx context.Context, entry *Entry, first, second attemptResult) {
	version, verr := r.client.Version(ctx)
	lastOp, lerr := r.client.LastOpTime(ctx)
	observed := "contract state unavailable"
	if verr == nil && lerr == nil {
		observed = fmt.Sprintf("last observed version=%d lastOpTime=%d", version, lastOp)
	}
	diag := fmt.Sprintf("no balance change after escalation; opIds %s, %s; %s",
		first.opIDHex, second.opIDHex, observed)
	r.failRow(first.row, diag)
	r.failRow(second.row, diag)
	r.finishEntry(entry, JournalFailed)
	r.metrics.RecordOutcome("failed")
	r.logger.Error("award unconfirmed after escalation",
		"address", entry.Address, "opIds", []string{first.opIDHex, second.opIDHex})
}

// failRow writes a terminal failed status. It runs on a background context
// so a cancelled run still leaves no pending rows behind.
func (r *Runner) failRow(row *audit.Transaction, diagnostic string) {
	if row == nil {
		return
	}
	err := r.store.MarkFailed(context.Background(), row.ID, diagnostic)
	if err != nil && !errors.Is(err, audit.ErrAttemptResolved) {
		r.logger.Error("audit failure write failed", "row", row.ID, "error", err)
	}
}

func (r *Runner) finishEntry(entry *Entry, status string) {
	entry.Status = status
	entry.UpdatedAt = r.now()
	if err := r.journal.Put(*entry); err != nil {
		r.logger.Error("journal terminal write failed", "address", entry.Address, "error", err)
	}
}

// waitCooldown sleeps until the ledger's global write gap has passed and
// returns the last op time it observed. The ledger serializes writes; an
// early submission would only collect a TooSoon rejection.
func (r *Runner) waitCooldown(ctx context.Context) uint64 {
	lastOp, err := r.client.LastOpTime(ctx)
	if err != nil {
		r.logger.Warn("last op time unavailable; skipping cooldown wait", "error", err)
		return 0
	}
	if lastOp == 0 {
		return 0
	}
	cooldown := r.cfg.Poll.Cooldown.Duration
	elapsed := r.now().Sub(time.Unix(int64(lastOp), 0))
	if elapsed < 0 || elapsed >= cooldown {
		return lastOp
	}
	wait := cooldown - elapsed
	r.metrics.ObserveCooldownWait(wait)
	r.logger.Debug("waiting out write cooldown", "wait", wait)
	if err := sleepCtx(ctx, wait); err != nil {
		return lastOp
	}
	return lastOp
}

// resolveOrphans settles journal entries left pending by a crash. An opId
// present in the user's on-chain history proves the award landed; absence
// within the retained window is recorded as unresolved failure.
func (r *Runner) resolveOrphans(ctx context.Context) error {
	entries, err := r.journal.Pending()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		addr, err := crypto.DecodeAddress(entry.Address)
		if err != nil {
			r.logger.Error("journal entry with unparseable address", "address", entry.Address, "error", err)
			r.finishEntry(&entry, JournalFailed)
			continue
		}
		history, err := r.client.UserHistory(ctx, addr)
		if err != nil {
			return fmt.Errorf("engine: resolve orphan %s: %w", entry.Address, err)
		}
		applied := make(map[[32]byte]bool)
		for _, h := range history {
			if h.OpID != nil {
				applied[h.OpID.Bytes32()] = true
			}
		}
		var newTotal uint64
		balanceKnown := false
		if xp, err := r.client.XP(ctx, addr); err == nil {
			newTotal = xp
			balanceKnown = true
		}
		matched := false
		for _, ref := range entry.Attempts {
			row, err := r.store.AttemptByOpID(ctx, ref.OpID)
			if err != nil {
				r.logger.Warn("journal attempt without audit row", "opId", ref.OpID, "error", err)
				continue
			}
			if opID, ok := parseOpID(ref.OpID); ok && applied[opID.Bytes32()] {
				matched = true
				err := r.store.MarkSuccess(ctx, row.ID, ref.Hash, newTotal, 0)
				if err != nil && !errors.Is(err, audit.ErrAttemptResolved) {
					r.logger.Error("orphan success write failed", "opId", ref.OpID, "error", err)
				}
				continue
			}
			err = r.store.MarkFailed(ctx, row.ID, "unresolved at restart; opId not found in on-chain history")
			if err != nil && !errors.Is(err, audit.ErrAttemptResolved) {
				r.logger.Error("orphan failure write failed", "opId", ref.OpID, "error", err)
			}
		}
		status := JournalFailed
		if matched {
			status = JournalConfirmed
		}
		if !matched && balanceKnown {
			err := r.store.UpdateMirror(ctx, entry.Address, newTotal)
			if err != nil && !errors.Is(err, audit.ErrUserNotFound) {
				r.logger.Warn("mirror refresh failed", "address", entry.Address, "error", err)
			}
		}
		r.finishEntry(&entry, status)
		r.logger.Info("resolved orphaned target", "address", entry.Address, "status", status)
	}
	return nil
}

func newOpID() (*uint256.Int, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("engine: opId entropy: %w", err)
	}
	return new(uint256.Int).SetBytes(buf[:]), nil
}

func opIDHex(id *uint256.Int) string {
	b := id.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

func parseOpID(s string) (*uint256.Int, bool) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	return new(uint256.Int).SetBytes(raw), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
