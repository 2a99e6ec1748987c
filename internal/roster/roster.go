package roster

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lootline/internal/domain"
	"lootline/internal/game"
)

// StateSource is the slice of the game API the roster needs.
type StateSource interface {
	ActiveTeams(ctx context.Context, address string) ([]game.TeamState, error)
}

// Roster tracks lock and settlement state for every managed team. Refreshes
// overwrite the snapshot wholesale; readers never block on a refresh in
// progress, they read whatever was last published.
type Roster struct {
	Source StateSource
	Now    func() time.Time
	Logger *log.Logger

	inFlight atomic.Bool

	mu      sync.RWMutex
	looters []domain.Looter
	teams   map[int64]domain.Team
}

// New builds a roster over the configured looters. All teams start locked
// until the first refresh reports otherwise.
func New(source StateSource, looters []domain.Looter) *Roster {
	r := &Roster{
		Source:  source,
		looters: looters,
		teams:   make(map[int64]domain.Team),
	}
	for _, l := range looters {
		for _, t := range l.Teams {
			t.Locked = true
			r.teams[t.ID] = t
		}
	}
	return r
}

func (r *Roster) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Roster) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Refresh pulls current team state for every looter and overwrites local
// flags. Idempotent; a refresh already in progress suppresses this one.
func (r *Roster) Refresh(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer r.inFlight.Store(false)

	now := r.now()
	for _, looter := range r.looters {
		states, err := r.Source.ActiveTeams(ctx, looter.Address)
		if err != nil {
			r.logf("roster: refresh %s: %v", looter.Address, err)
			continue
		}
		byID := make(map[int64]game.TeamState, len(states))
		for _, s := range states {
			byID[s.TeamID] = s
		}
		r.mu.Lock()
		for _, configured := range looter.Teams {
			team, ok := r.teams[configured.ID]
			if !ok {
				continue
			}
			state, seen := byID[configured.ID]
			if !seen {
				// Not reported by the source this round: keep it out of
				// matching until it shows up.
				team.Locked = true
				r.teams[configured.ID] = team
				continue
			}
			team.Faction = state.Faction
			team.BattlePoints = state.BattlePoints
			team.LockExpiry = state.MineEndTime
			team.Locked = state.MineEndTime.After(now)
			team.OutstandingGameID = state.OutstandingGameID
			team.Settled = state.OutstandingGameID == 0
			r.teams[configured.ID] = team
		}
		r.mu.Unlock()
	}
}

// Run refreshes on a fixed interval until ctx is done.
func (r *Roster) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Eligible returns the last-refreshed teams that are unlocked, settled and
// have reported activity. Validity floors are the comparator's business.
func (r *Roster) Eligible() []domain.Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Team
	for _, t := range r.teams {
		if t.Locked || !t.Settled {
			continue
		}
		if t.BattlePoints <= 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Team returns the snapshot for one team id.
func (r *Roster) Team(id int64) (domain.Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	return t, ok
}

// Looters returns the configured looters.
func (r *Roster) Looters() []domain.Looter {
	return r.looters
}
