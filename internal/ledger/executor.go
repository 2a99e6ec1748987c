package ledger

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"lootline/internal/chain"
	"lootline/internal/domain"
	"lootline/internal/events"
)

// Executor drains pending commitments against the chain on a fixed interval.
// It is recovery-safe: every decision is re-derived from the durable pending
// set, so a restart resumes exactly where the ledger left off.
type Executor struct {
	Repo          Repo
	Chain         chain.Client
	Events        events.Writer
	Confirmations int
	Now           func() time.Time
	Logger        *log.Logger

	inFlight atomic.Bool

	mu      sync.Mutex
	pending []domain.Commitment
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Load primes the in-memory pending cache from the ledger. Called once at
// startup before the first tick so crash recovery happens before matching.
func (e *Executor) Load(ctx context.Context) error {
	pending, err := e.Repo.ListPending(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = pending
	e.mu.Unlock()
	return nil
}

// Pending returns the last-cached pending set.
func (e *Executor) Pending() []domain.Commitment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Commitment, len(e.pending))
	copy(out, e.pending)
	return out
}

// HasPendingTeam reports whether the team has a live commitment.
func (e *Executor) HasPendingTeam(teamID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.pending {
		if c.TeamID == teamID {
			return true
		}
	}
	return false
}

// HasPendingMine reports whether the mine has a live commitment.
func (e *Executor) HasPendingMine(mineID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.pending {
		if c.MineID == mineID {
			return true
		}
	}
	return false
}

// Run ticks the executor until ctx is done. An iteration still in flight
// causes the next tick to be skipped, never queued.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick refreshes the pending cache and attempts every pending commitment
// once. Failures are logged and reduce to no-ops; nothing propagates.
func (e *Executor) Tick(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer e.inFlight.Store(false)

	pending, err := e.Repo.ListPending(ctx)
	if err != nil {
		e.logf("executor: list pending: %v", err)
		return
	}
	e.mu.Lock()
	e.pending = pending
	e.mu.Unlock()

	for _, cm := range pending {
		e.execute(ctx, cm)
	}

	// Re-read so busy checks between ticks see this tick's outcomes.
	if refreshed, err := e.Repo.ListPending(ctx); err == nil {
		e.mu.Lock()
		e.pending = refreshed
		e.mu.Unlock()
	}
}

// execute simulates first, then submits and awaits confirmations. Any
// failure leaves the commitment pending for a later tick, unless its
// authorization has expired, which forces the terminal timed_out state.
func (e *Executor) execute(ctx context.Context, cm domain.Commitment) {
	if err := e.Chain.Simulate(ctx, cm); err != nil {
		e.retryOrExpire(ctx, cm, "simulate", err)
		return
	}
	txHash, err := e.Chain.Submit(ctx, cm)
	if err != nil {
		e.retryOrExpire(ctx, cm, "submit", err)
		return
	}
	if err := e.Chain.AwaitConfirmations(ctx, txHash, e.Confirmations); err != nil {
		e.retryOrExpire(ctx, cm, "confirm", err)
		return
	}
	if err := e.Repo.MarkExecuted(ctx, cm.MineID, txHash); err != nil {
		e.logf("executor: mark executed mine=%d: %v", cm.MineID, err)
		return
	}
	e.logf("executor: mine=%d team=%d executed tx=%s", cm.MineID, cm.TeamID, txHash)
	e.appendEvent(ctx, "commitment.executed", cm, events.EventPayload{
		"team_id": cm.TeamID,
		"looter":  cm.LooterAddress,
		"tx_hash": txHash,
	})
}

func (e *Executor) retryOrExpire(ctx context.Context, cm domain.Commitment, stage string, cause error) {
	if !cm.Expired(e.now()) {
		e.logf("executor: mine=%d %s failed, retrying next tick: %v", cm.MineID, stage, cause)
		return
	}
	if err := e.Repo.MarkTimedOut(ctx, cm.MineID); err != nil {
		e.logf("executor: mark timed out mine=%d: %v", cm.MineID, err)
		return
	}
	e.logf("executor: mine=%d team=%d timed out after %s failure: %v", cm.MineID, cm.TeamID, stage, cause)
	e.appendEvent(ctx, "commitment.timed_out", cm, events.EventPayload{
		"team_id": cm.TeamID,
		"looter":  cm.LooterAddress,
		"stage":   stage,
		"cause":   cause.Error(),
	})
}

func (e *Executor) appendEvent(ctx context.Context, evtType string, cm domain.Commitment, payload events.EventPayload) {
	if e.Events.DB == nil {
		return
	}
	if err := e.Events.Append(ctx, evtType, "commitment", strconv.FormatInt(cm.MineID, 10), payload); err != nil {
		e.logf("executor: append event %s: %v", evtType, err)
	}
}
