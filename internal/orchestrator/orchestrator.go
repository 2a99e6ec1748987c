package orchestrator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lootline/internal/captcha"
	"lootline/internal/domain"
	"lootline/internal/feed"
	"lootline/internal/ledger"
	"lootline/internal/matcher"
	"lootline/internal/roster"
)

// Intervals are the loop periods of the three background cycles.
type Intervals struct {
	Poll     time.Duration
	Refresh  time.Duration
	Executor time.Duration
}

// Orchestrator wires the feed, roster, matcher, bridge and executor into the
// main loop: poll for mines, match them against eligible teams, open a
// challenge per match. Everything downstream of the challenge is driven by
// proof delivery and the executor, not by this loop.
type Orchestrator struct {
	Roster    *roster.Roster
	Feed      *feed.Feed
	Engine    *matcher.Engine
	Bridge    *captcha.Bridge
	Executor  *ledger.Executor
	Ledger    ledger.Repo
	Intervals Intervals
	Now       func() time.Time
	Logger    *log.Logger

	inFlight atomic.Bool

	mu   sync.Mutex
	pool map[int64]domain.Mine
}

// busyState composes the two live-work sources the matcher must consult:
// pending commitments first, then open challenges.
type busyState struct {
	exec   *ledger.Executor
	bridge *captcha.Bridge
}

func (b busyState) TeamBusy(teamID int64) bool {
	return b.exec.HasPendingTeam(teamID) || b.bridge.HasOpenTeam(teamID)
}

func (b busyState) MineBusy(mineID int64) bool {
	return b.exec.HasPendingMine(mineID) || b.bridge.HasOpenMine(mineID)
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run primes the executor from the ledger, starts the roster and executor
// loops, then drives the poll-and-match cycle until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.pool == nil {
		o.pool = make(map[int64]domain.Mine)
	}
	if o.Engine.Busy == nil {
		o.Engine.Busy = busyState{exec: o.Executor, bridge: o.Bridge}
	}
	if err := o.Executor.Load(ctx); err != nil {
		return err
	}
	if n := len(o.Executor.Pending()); n > 0 {
		o.logf("orchestrator: recovered %d pending commitment(s)", n)
	}

	go o.Roster.Run(ctx, o.Intervals.Refresh)
	go o.Executor.Run(ctx, o.Intervals.Executor)

	ticker := time.NewTicker(o.Intervals.Poll)
	defer ticker.Stop()
	for {
		o.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one poll-and-match cycle. A cycle still in flight suppresses this
// one entirely; ticks are skipped, never queued.
func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer o.inFlight.Store(false)

	o.prunePool(ctx)

	for _, m := range o.Feed.Poll(ctx) {
		o.mu.Lock()
		o.pool[m.ID] = m
		o.mu.Unlock()
	}

	teams := o.Roster.Eligible()
	mines := o.snapshotPool()
	if len(teams) == 0 || len(mines) == 0 {
		return
	}

	for _, match := range o.Engine.Match(teams, mines) {
		o.mu.Lock()
		mine, ok := o.pool[match.MineID]
		o.mu.Unlock()
		if !ok {
			continue
		}
		ch, opened := o.Bridge.Open(match, mine.Faction, mine.Deadline)
		if !opened {
			continue
		}
		o.logf("orchestrator: challenge %s opened team=%d mine=%d adv=%t (%.0f vs %.0f)",
			ch.ID, match.TeamID, match.MineID, match.Advantage, match.TeamPoints, match.MinePoints)
	}
}

// snapshotPool returns the current candidate mines.
func (o *Orchestrator) snapshotPool() []domain.Mine {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Mine, 0, len(o.pool))
	for _, m := range o.pool {
		out = append(out, m)
	}
	return out
}

// prunePool drops candidates that expired or were ever committed. Committed
// mines stay out for good even after their commitment turns terminal.
func (o *Orchestrator) prunePool(ctx context.Context) {
	now := o.now()
	committed, err := o.Ledger.CommittedMineIDs(ctx)
	if err != nil {
		o.logf("orchestrator: load committed mines: %v", err)
		committed = map[int64]bool{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, m := range o.pool {
		if m.Expired(now) || committed[id] {
			delete(o.pool, id)
		}
	}
}
