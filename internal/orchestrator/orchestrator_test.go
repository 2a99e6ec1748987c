package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lootline/internal/captcha"
	"lootline/internal/db"
	"lootline/internal/domain"
	"lootline/internal/events"
	"lootline/internal/feed"
	"lootline/internal/game"
	"lootline/internal/ledger"
	"lootline/internal/matcher"
	"lootline/internal/migrate"
	"lootline/internal/roster"
	"lootline/internal/strength"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGame struct {
	mines []domain.Mine
	teams []game.TeamState
}

func (f *fakeGame) ListLootableMines(ctx context.Context, page, limit int) ([]domain.Mine, error) {
	return f.mines, nil
}

func (f *fakeGame) ActiveTeams(ctx context.Context, address string) ([]game.TeamState, error) {
	return f.teams, nil
}

func (f *fakeGame) AuthorizeAttack(ctx context.Context, proof string, teamID, mineID int64) (game.Authorization, error) {
	return game.Authorization{Signature: "0xsig", ExpireAt: testTime.Add(5 * time.Minute)}, nil
}

type noopChain struct{}

func (noopChain) Simulate(ctx context.Context, cm domain.Commitment) error { return nil }
func (noopChain) Submit(ctx context.Context, cm domain.Commitment) (string, error) {
	return "0xhash", nil
}
func (noopChain) AwaitConfirmations(ctx context.Context, txHash string, n int) error { return nil }

func newTestOrchestrator(t *testing.T, src *fakeGame) (*Orchestrator, *captcha.Bridge, ledger.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	repo := ledger.Repo{DB: conn}
	guard := matcher.NewGuard(time.Minute)
	guard.Now = func() time.Time { return testTime }
	bridge := captcha.New(src, repo, guard, events.Writer{DB: conn}, time.Millisecond)
	bridge.Now = guard.Now

	rost := roster.New(src, []domain.Looter{{
		Address: "0xa",
		Teams:   []domain.Team{{ID: 1, LooterAddress: "0xa"}},
	}})
	rost.Now = guard.Now

	fd := feed.New(src, 10*time.Minute, 20)
	fd.Now = guard.Now

	exec := &ledger.Executor{Repo: repo, Chain: noopChain{}, Events: events.Writer{DB: conn}, Confirmations: 1}

	orch := &Orchestrator{
		Roster:   rost,
		Feed:     fd,
		Engine:   &matcher.Engine{Comparator: strength.New(0, 0, 0), Guard: guard, Now: guard.Now},
		Bridge:   bridge,
		Executor: exec,
		Ledger:   repo,
		Now:      guard.Now,
	}
	orch.pool = make(map[int64]domain.Mine)
	orch.Engine.Busy = busyState{exec: exec, bridge: bridge}
	return orch, bridge, repo
}

func TestTickOpensChallengeForMatch(t *testing.T) {
	src := &fakeGame{
		mines: []domain.Mine{{ID: 42, Faction: domain.FactionRuined, DefensePoints: 600, StartedAt: testTime.Add(-time.Minute)}},
		teams: []game.TeamState{{TeamID: 1, Faction: domain.FactionCraboid, BattlePoints: 650}},
	}
	orch, bridge, _ := newTestOrchestrator(t, src)
	orch.Roster.Refresh(context.Background())

	orch.Tick(context.Background())
	pending := bridge.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, int64(42), pending[0].MineID)
	require.Equal(t, int64(1), pending[0].TeamID)

	// An open challenge keeps the pair busy; repeat ticks open nothing new.
	orch.Tick(context.Background())
	require.Len(t, bridge.Pending(), 1)
}

func TestCommittedMineLeavesPool(t *testing.T) {
	src := &fakeGame{
		mines: []domain.Mine{{ID: 42, Faction: domain.FactionRuined, DefensePoints: 600, StartedAt: testTime.Add(-time.Minute)}},
		teams: []game.TeamState{{TeamID: 1, Faction: domain.FactionCraboid, BattlePoints: 650}},
	}
	orch, bridge, repo := newTestOrchestrator(t, src)
	orch.Roster.Refresh(context.Background())
	orch.Tick(context.Background())

	ch := bridge.Pending()[0]
	require.NoError(t, bridge.Deliver(context.Background(), ch.ID, "proof"))

	got, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentPending, got.Status)

	orch.Tick(context.Background())
	require.NotContains(t, orch.pool, int64(42))
	require.Empty(t, bridge.Pending())
}

func TestNoEligibleTeamsOpensNothing(t *testing.T) {
	src := &fakeGame{
		mines: []domain.Mine{{ID: 42, Faction: domain.FactionRuined, DefensePoints: 600, StartedAt: testTime.Add(-time.Minute)}},
		teams: []game.TeamState{{TeamID: 1, Faction: domain.FactionCraboid, BattlePoints: 650, MineEndTime: testTime.Add(time.Hour)}},
	}
	orch, bridge, _ := newTestOrchestrator(t, src)
	orch.Roster.Refresh(context.Background())

	orch.Tick(context.Background())
	require.Empty(t, bridge.Pending())
}
