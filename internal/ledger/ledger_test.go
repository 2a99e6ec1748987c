package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lootline/internal/chain"
	"lootline/internal/db"
	"lootline/internal/domain"
	"lootline/internal/events"
	"lootline/internal/migrate"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func testCommitment(mineID, teamID int64) domain.Commitment {
	return domain.Commitment{
		MineID:        mineID,
		TeamID:        teamID,
		LooterAddress: "0xa",
		Signature:     "0xsig",
		ExpireAt:      testTime.Add(5 * time.Minute),
		Status:        domain.CommitmentPending,
		CreatedAt:     testTime,
	}
}

func TestRecordAndGet(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))
	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentPending, got.Status)
	require.Equal(t, int64(10), got.TeamID)
	require.Equal(t, "0xsig", got.Signature)

	_, err = repo.Get(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSecondRecordDoesNotOverwriteIdentity(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))

	dupe := testCommitment(1, 11)
	dupe.Signature = "0xother"
	require.NoError(t, repo.Record(ctx, dupe))

	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.TeamID)
	require.Equal(t, "0xsig", got.Signature)
}

func TestTerminalStatesAreNeverResurrected(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))
	require.NoError(t, repo.MarkExecuted(ctx, 1, "0xhash"))

	// A late duplicate write must not reopen the record.
	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))
	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentExecuted, got.Status)
	require.Equal(t, "0xhash", got.TxHash)

	require.ErrorIs(t, repo.MarkTimedOut(ctx, 1), ErrNotFound)
}

func TestListPendingOldestFirst(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	first := testCommitment(1, 10)
	first.CreatedAt = testTime
	second := testCommitment(2, 11)
	second.CreatedAt = testTime.Add(time.Minute)
	require.NoError(t, repo.Record(ctx, second))
	require.NoError(t, repo.Record(ctx, first))
	require.NoError(t, repo.Record(ctx, testCommitment(3, 12)))
	require.NoError(t, repo.MarkExecuted(ctx, 3, "0xh"))

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, int64(1), pending[0].MineID)
	require.Equal(t, int64(2), pending[1].MineID)
}

func TestCountPendingForLooter(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))
	other := testCommitment(2, 20)
	other.LooterAddress = "0xb"
	require.NoError(t, repo.Record(ctx, other))

	n, err := repo.CountPendingForLooter(ctx, "0xa")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCommittedMineIDsIncludesTerminal(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))
	require.NoError(t, repo.Record(ctx, testCommitment(2, 11)))
	require.NoError(t, repo.MarkExecuted(ctx, 2, "0xh"))

	ids, err := repo.CommittedMineIDs(ctx)
	require.NoError(t, err)
	require.True(t, ids[1])
	require.True(t, ids[2])
	require.False(t, ids[3])
}

type fakeChain struct {
	simulateErr error
	submitErr   error
	confirmErr  error
	txHash      string
	submits     int
}

func (f *fakeChain) Simulate(ctx context.Context, cm domain.Commitment) error { return f.simulateErr }

func (f *fakeChain) Submit(ctx context.Context, cm domain.Commitment) (string, error) {
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.txHash, nil
}

func (f *fakeChain) AwaitConfirmations(ctx context.Context, txHash string, n int) error {
	return f.confirmErr
}

var _ chain.Client = (*fakeChain)(nil)

func newExecutor(repo Repo, ch chain.Client, now time.Time) *Executor {
	return &Executor{
		Repo:          repo,
		Chain:         ch,
		Events:        events.Writer{DB: repo.DB},
		Confirmations: 1,
		Now:           func() time.Time { return now },
	}
}

func TestExecutorExecutesPending(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))

	exec := newExecutor(repo, &fakeChain{txHash: "0xfeed"}, testTime)
	exec.Tick(ctx)

	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentExecuted, got.Status)
	require.Equal(t, "0xfeed", got.TxHash)
	require.False(t, exec.HasPendingMine(1))
}

func TestExecutorRetriesUntilExpiry(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))

	ch := &fakeChain{submitErr: errors.New("nonce too low")}
	exec := newExecutor(repo, ch, testTime)
	exec.Tick(ctx)

	// Failure before expiry leaves it pending for the next tick.
	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentPending, got.Status)
	require.True(t, exec.HasPendingMine(1))

	// Past the authorization window the same failure becomes terminal.
	exec.Now = func() time.Time { return testTime.Add(10 * time.Minute) }
	exec.Tick(ctx)
	got, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.CommitmentTimedOut, got.Status)
	require.False(t, exec.HasPendingMine(1))
}

func TestExecutorSimulateFailureSkipsSubmit(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))

	ch := &fakeChain{simulateErr: errors.New("execution reverted")}
	exec := newExecutor(repo, ch, testTime)
	exec.Tick(ctx)
	require.Zero(t, ch.submits)
}

func TestExecutorLoadRecoversPending(t *testing.T) {
	repo := Repo{DB: openTestDB(t)}
	ctx := context.Background()
	require.NoError(t, repo.Record(ctx, testCommitment(1, 10)))
	require.NoError(t, repo.Record(ctx, testCommitment(2, 11)))

	exec := newExecutor(repo, &fakeChain{txHash: "0x1"}, testTime)
	require.NoError(t, exec.Load(ctx))
	require.Len(t, exec.Pending(), 2)
	require.True(t, exec.HasPendingTeam(10))
	require.True(t, exec.HasPendingMine(2))
}
