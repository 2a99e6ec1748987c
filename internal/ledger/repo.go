package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lootline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Repo persists commitments, keyed uniquely by mine id. It is the single
// source of truth for what is busy; all matching reads go through it (or
// through the executor's short-lived cache of it).
type Repo struct {
	DB *sql.DB
}

const commitmentColumns = `mine_id,team_id,looter_address,signature,expire_at,status,COALESCE(tx_hash,'') AS tx_hash,created_at,updated_at`

func scanCommitment(scan func(...any) error) (domain.Commitment, error) {
	var c domain.Commitment
	var expireAt, createdAt, updatedAt string
	err := scan(&c.MineID, &c.TeamID, &c.LooterAddress, &c.Signature, &expireAt, &c.Status, &c.TxHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ExpireAt, _ = time.Parse(time.RFC3339, expireAt)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return c, nil
}

// Record upserts a commitment as pending. A second write for the same mine
// only refreshes status and updated_at while the first record is still
// pending; identity, signature and expiry are owned by the first writer, and
// terminal rows are never touched.
func (r Repo) Record(ctx context.Context, c domain.Commitment) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO commitments(mine_id,team_id,looter_address,signature,expire_at,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(mine_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at
WHERE commitments.status='pending'`,
		c.MineID, c.TeamID, c.LooterAddress, c.Signature,
		c.ExpireAt.UTC().Format(time.RFC3339), domain.CommitmentPending,
		createdAt.Format(time.RFC3339), now)
	return err
}

// Get fetches one commitment by mine id.
func (r Repo) Get(ctx context.Context, mineID int64) (domain.Commitment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE mine_id=?`, mineID)
	return scanCommitment(row.Scan)
}

// ListPending returns every non-terminal commitment, oldest first. Used by
// the executor cache and by crash recovery at startup.
func (r Repo) ListPending(ctx context.Context) ([]domain.Commitment, error) {
	return r.list(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE status='pending' ORDER BY created_at, mine_id`)
}

// List returns all commitments, newest first.
func (r Repo) List(ctx context.Context, limit int) ([]domain.Commitment, error) {
	q := `SELECT ` + commitmentColumns + ` FROM commitments ORDER BY created_at DESC, mine_id DESC`
	if limit > 0 {
		return r.list(ctx, q+` LIMIT ?`, limit)
	}
	return r.list(ctx, q)
}

func (r Repo) list(ctx context.Context, query string, args ...any) ([]domain.Commitment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkExecuted transitions a pending commitment to its terminal executed
// state. Terminal rows are never resurrected, so the update is guarded on
// the current status.
func (r Repo) MarkExecuted(ctx context.Context, mineID int64, txHash string) error {
	return r.markTerminal(ctx, mineID, domain.CommitmentExecuted, txHash)
}

// MarkTimedOut transitions a pending commitment to timed_out.
func (r Repo) MarkTimedOut(ctx context.Context, mineID int64) error {
	return r.markTerminal(ctx, mineID, domain.CommitmentTimedOut, "")
}

func (r Repo) markTerminal(ctx context.Context, mineID int64, status domain.CommitmentStatus, txHash string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE commitments SET status=?, tx_hash=COALESCE(NULLIF(?,''),tx_hash), updated_at=? WHERE mine_id=? AND status='pending'`,
		status, txHash, now, mineID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommittedMineIDs returns every mine id with a commitment in any state.
// The orchestrator prunes its candidate pool with this; a mine that was ever
// committed never becomes a candidate again.
func (r Repo) CommittedMineIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT mine_id FROM commitments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// CountPendingForLooter is the status-endpoint view of a looter's load.
func (r Repo) CountPendingForLooter(ctx context.Context, address string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM commitments WHERE looter_address=? AND status='pending'`, address).Scan(&n)
	return n, err
}
