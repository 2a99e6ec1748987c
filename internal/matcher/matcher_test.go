package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lootline/internal/domain"
	"lootline/internal/strength"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine() *Engine {
	return &Engine{
		Comparator: strength.New(0, 0, 0),
		Guard:      NewGuard(time.Minute),
		Now:        func() time.Time { return testTime },
	}
}

func team(id int64, looter string, faction domain.Faction, points float64) domain.Team {
	return domain.Team{ID: id, LooterAddress: looter, Faction: faction, BattlePoints: points, Settled: true}
}

func mine(id int64, faction domain.Faction, points float64) domain.Mine {
	return domain.Mine{ID: id, Faction: faction, DefensePoints: points, Deadline: testTime.Add(10 * time.Minute)}
}

type stubBusy struct {
	teams map[int64]bool
	mines map[int64]bool
}

func (s stubBusy) TeamBusy(id int64) bool { return s.teams[id] }
func (s stubBusy) MineBusy(id int64) bool { return s.mines[id] }

func TestAdvantagePairBoundFirst(t *testing.T) {
	e := newEngine()
	teams := []domain.Team{
		team(2, "0xb", domain.FactionNone, 700),
		team(1, "0xa", domain.FactionCraboid, 650),
	}
	mines := []domain.Mine{mine(10, domain.FactionRuined, 600)}

	matches := e.Match(teams, mines)
	require.Len(t, matches, 1)
	require.Equal(t, int64(1), matches[0].TeamID)
	require.True(t, matches[0].Advantage)
}

func TestEachSideUsedOnce(t *testing.T) {
	e := newEngine()
	teams := []domain.Team{team(1, "0xa", domain.FactionNone, 700)}
	mines := []domain.Mine{
		mine(10, domain.FactionNone, 400),
		mine(11, domain.FactionNone, 500),
	}
	matches := e.Match(teams, mines)
	require.Len(t, matches, 1)
	require.Equal(t, int64(10), matches[0].MineID)

	teams = []domain.Team{
		team(1, "0xa", domain.FactionNone, 600),
		team(2, "0xb", domain.FactionNone, 700),
	}
	mines = []domain.Mine{mine(10, domain.FactionNone, 400)}
	matches = e.Match(teams, mines)
	require.Len(t, matches, 1)
}

func TestWeakestQualifyingTeamBindsFirst(t *testing.T) {
	e := newEngine()
	teams := []domain.Team{
		team(1, "0xa", domain.FactionNone, 700),
		team(2, "0xb", domain.FactionNone, 400),
	}
	mines := []domain.Mine{mine(10, domain.FactionNone, 300)}

	matches := e.Match(teams, mines)
	require.Len(t, matches, 1)
	require.Equal(t, int64(2), matches[0].TeamID)
}

func TestUnbeatableMineDropped(t *testing.T) {
	e := newEngine()
	teams := []domain.Team{team(1, "0xa", domain.FactionNone, 700)}
	mines := []domain.Mine{mine(10, domain.FactionNone, 9000)}
	require.Empty(t, e.Match(teams, mines))
}

func TestBelowFloorExcluded(t *testing.T) {
	e := newEngine()
	teams := []domain.Team{team(1, "0xa", domain.FactionNone, 150)}
	mines := []domain.Mine{mine(10, domain.FactionNone, 100)}
	require.Empty(t, e.Match(teams, mines))

	// The mine is below the floor too, so even a strong team gets nothing.
	teams = []domain.Team{team(1, "0xa", domain.FactionNone, 700)}
	require.Empty(t, e.Match(teams, mines))
}

func TestExpiredMineSkipped(t *testing.T) {
	e := newEngine()
	teams := []domain.Team{team(1, "0xa", domain.FactionNone, 700)}
	stale := mine(10, domain.FactionNone, 400)
	stale.Deadline = testTime.Add(-time.Second)
	require.Empty(t, e.Match(teams, []domain.Mine{stale}))
}

func TestCooldownExcludesWholeLooter(t *testing.T) {
	e := newEngine()
	e.Guard.Now = e.Now
	e.Guard.MarkRecentlyActed("0xa")

	teams := []domain.Team{
		team(1, "0xa", domain.FactionNone, 700),
		team(2, "0xa", domain.FactionNone, 650),
	}
	mines := []domain.Mine{mine(10, domain.FactionNone, 400)}
	require.Empty(t, e.Match(teams, mines))

	// Once the window passes the flag simply expires.
	later := testTime.Add(61 * time.Second)
	e.Guard.Now = func() time.Time { return later }
	e.Now = func() time.Time { return later }
	mines[0].Deadline = later.Add(time.Minute)
	require.Len(t, e.Match(teams, mines), 1)
}

func TestBusyTeamAndMineExcluded(t *testing.T) {
	e := newEngine()
	e.Busy = stubBusy{teams: map[int64]bool{1: true}}
	teams := []domain.Team{team(1, "0xa", domain.FactionNone, 700)}
	mines := []domain.Mine{mine(10, domain.FactionNone, 400)}
	require.Empty(t, e.Match(teams, mines))

	e.Busy = stubBusy{mines: map[int64]bool{10: true}}
	require.Empty(t, e.Match(teams, mines))

	e.Busy = stubBusy{}
	require.Len(t, e.Match(teams, mines), 1)
}

func TestGuardExpiry(t *testing.T) {
	now := testTime
	g := NewGuard(time.Minute)
	g.Now = func() time.Time { return now }

	require.False(t, g.HasRecentlyActed("0xa"))
	g.MarkRecentlyActed("0xa")
	require.True(t, g.HasRecentlyActed("0xa"))

	now = now.Add(59 * time.Second)
	require.True(t, g.HasRecentlyActed("0xa"))

	now = now.Add(2 * time.Second)
	require.False(t, g.HasRecentlyActed("0xa"))
	// Dropped at read time; a fresh mark restarts the window.
	g.MarkRecentlyActed("0xa")
	require.True(t, g.HasRecentlyActed("0xa"))
}
