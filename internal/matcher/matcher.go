package matcher

import (
	"sort"
	"time"

	"lootline/internal/domain"
	"lootline/internal/strength"
)

// BusyState reports outstanding work that excludes a team or a mine from new
// matches. The commitment ledger is the authority behind it; callers must
// consult it fresh on every pass.
type BusyState interface {
	TeamBusy(teamID int64) bool
	MineBusy(mineID int64) bool
}

// Engine assigns eligible teams to actionable mines. It holds no state of
// its own between passes; everything it consults is injected.
type Engine struct {
	Comparator strength.Comparator
	Guard      *Guard
	Busy       BusyState
	Now        func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Match runs one assignment pass over the current eligible teams and
// candidate mines. Advantage-holding pairs are bound first; each team and
// each mine is used at most once across the whole call. Producing zero
// matches is a normal outcome.
func (e *Engine) Match(teams []domain.Team, mines []domain.Mine) []domain.Match {
	now := e.now()

	var validTeams []domain.Team
	for _, t := range teams {
		if !e.Comparator.Valid(strength.TeamParty(t)) {
			continue
		}
		validTeams = append(validTeams, t)
	}
	var validMines []domain.Mine
	for _, m := range mines {
		if m.Expired(now) {
			continue
		}
		if !e.Comparator.Valid(strength.MineParty(m)) {
			continue
		}
		validMines = append(validMines, m)
	}
	if len(validTeams) == 0 || len(validMines) == 0 {
		return nil
	}

	// Split mines by whether any eligible team holds faction advantage over
	// them; the advantage pass runs first and additionally requires the
	// bound pair itself to hold the advantage.
	var advMines, plainMines []domain.Mine
	for _, m := range validMines {
		adv := false
		for _, t := range validTeams {
			if strength.HasAdvantage(t.Faction, m.Faction) {
				adv = true
				break
			}
		}
		if adv {
			advMines = append(advMines, m)
		} else {
			plainMines = append(plainMines, m)
		}
	}

	usedTeams := make(map[int64]bool)
	usedMines := make(map[int64]bool)
	var matches []domain.Match
	matches = append(matches, e.pass(validTeams, advMines, true, usedTeams, usedMines)...)
	matches = append(matches, e.pass(validTeams, plainMines, false, usedTeams, usedMines)...)
	return matches
}

func (e *Engine) pass(teams []domain.Team, mines []domain.Mine, requireAdvantage bool, usedTeams, usedMines map[int64]bool) []domain.Match {
	if len(teams) == 0 || len(mines) == 0 {
		return nil
	}

	// Mines no team in the whole pool can out-muscle are dead weight; drop
	// them before scanning so a pass never wastes offers on them.
	maxElig := 0.0
	for _, t := range teams {
		if t.BattlePoints > maxElig {
			maxElig = t.BattlePoints
		}
	}
	var survivors []domain.Mine
	for _, m := range mines {
		if m.DefensePoints >= maxElig {
			continue
		}
		survivors = append(survivors, m)
	}
	if len(survivors) == 0 {
		return nil
	}

	// Early filter only: a team above the weakest surviving mine is not
	// thereby guaranteed to beat every mine it is offered.
	minMine := survivors[0].DefensePoints
	for _, m := range survivors[1:] {
		if m.DefensePoints < minMine {
			minMine = m.DefensePoints
		}
	}
	var pool []domain.Team
	for _, t := range teams {
		if t.BattlePoints > minMine {
			pool = append(pool, t)
		}
	}

	// Weakest-still-qualifying team first, preserving strong teams for the
	// harder mines later in the scan.
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].BattlePoints != pool[j].BattlePoints {
			return pool[i].BattlePoints < pool[j].BattlePoints
		}
		return pool[i].ID < pool[j].ID
	})
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].ID < survivors[j].ID })

	var matches []domain.Match
	for _, mine := range survivors {
		if usedMines[mine.ID] {
			continue
		}
		if e.Busy != nil && e.Busy.MineBusy(mine.ID) {
			continue
		}
		for _, team := range pool {
			if usedTeams[team.ID] {
				continue
			}
			if e.Guard != nil && e.Guard.HasRecentlyActed(team.LooterAddress) {
				continue
			}
			if e.Busy != nil && e.Busy.TeamBusy(team.ID) {
				continue
			}
			if requireAdvantage && !strength.HasAdvantage(team.Faction, mine.Faction) {
				continue
			}
			if !e.Comparator.Beats(strength.TeamParty(team), strength.MineParty(mine)) {
				continue
			}
			usedTeams[team.ID] = true
			usedMines[mine.ID] = true
			matches = append(matches, domain.Match{
				TeamID:        team.ID,
				LooterAddress: team.LooterAddress,
				MineID:        mine.ID,
				Advantage:     strength.HasAdvantage(team.Faction, mine.Faction),
				TeamPoints:    team.BattlePoints,
				MinePoints:    mine.DefensePoints,
			})
			break
		}
	}
	return matches
}
