package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// TRANSACTION STORE (ledger.Tx)
// =============================================================================

// txStore is the ledger.Tx handed to WithTx callbacks. Reads go through
// the same *sql.Tx, so they see this transaction's writes.
type txStore struct {
	reader
}

var _ ledger.Tx = (*txStore)(nil)

func (t *txStore) PutProject(ctx context.Context, p *ledger.Project) error {
	return t.putReference(ctx, "projects", p.ID, p.Name)
}

func (t *txStore) PutResource(ctx context.Context, r *ledger.Resource) error {
	return t.putReference(ctx, "resources", r.ID, r.Name)
}

func (t *txStore) PutUser(ctx context.Context, u *ledger.User) error {
	return t.putReference(ctx, "users", u.ID, u.Name)
}

func (t *txStore) putReference(ctx context.Context, table, id, name string) error {
	_, err := t.exec(ctx,
		`INSERT INTO `+table+` (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		id, name)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (t *txStore) PutJob(ctx context.Context, j *ledger.Job) error {
	var attributes sql.NullString
	if len(j.Attributes) > 0 {
		raw, err := json.Marshal(j.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode job attributes: %w", err)
		}
		attributes = sql.NullString{String: string(raw), Valid: true}
	}

	var exitStatus sql.NullInt64
	if j.ExitStatus != nil {
		exitStatus = sql.NullInt64{Int64: int64(*j.ExitStatus), Valid: true}
	}

	_, err := t.exec(ctx, `
		INSERT INTO jobs
		(id, user_name, group_name, account, name, queue, exit_status, start_time, end_time, attributes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_name = excluded.user_name,
			group_name = excluded.group_name,
			account = excluded.account,
			name = excluded.name,
			queue = excluded.queue,
			exit_status = excluded.exit_status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			attributes_json = excluded.attributes_json`,
		j.ID,
		nullString(j.UserName),
		nullString(j.Group),
		nullString(j.Account),
		nullString(j.Name),
		nullString(j.Queue),
		exitStatus,
		nullTime(j.Start),
		nullTime(j.End),
		attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (t *txStore) InsertAllocation(ctx context.Context, a *ledger.Allocation) error {
	_, err := t.exec(ctx, `
		INSERT INTO allocations
		(id, project_id, resource_id, datetime, amount, start_time, end_time, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID),
		a.Project.ID,
		a.Resource.ID,
		formatTime(a.Datetime),
		a.Amount,
		formatTime(a.Start),
		formatTime(a.End),
		nullString(a.Comment),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

func (t *txStore) InsertHold(ctx context.Context, h *ledger.Hold) error {
	_, err := t.exec(ctx, `
		INSERT INTO holds
		(id, allocation_id, datetime, amount, comment, active, job_id, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(h.ID),
		string(h.Allocation.ID),
		formatTime(h.Datetime),
		h.Amount,
		nullString(h.Comment),
		h.Active,
		jobID(h.Job),
		userID(h.User),
	)
	if err != nil {
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (t *txStore) InsertCharge(ctx context.Context, c *ledger.Charge) error {
	_, err := t.exec(ctx, `
		INSERT INTO charges
		(id, allocation_id, datetime, amount, comment, job_id, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID),
		string(c.Allocation.ID),
		formatTime(c.Datetime),
		c.Amount,
		nullString(c.Comment),
		jobID(c.Job),
		userID(c.User),
	)
	if err != nil {
		return fmt.Errorf("failed to insert charge: %w", err)
	}
	return nil
}

func (t *txStore) InsertRefund(ctx context.Context, r *ledger.Refund) error {
	_, err := t.exec(ctx, `
		INSERT INTO refunds
		(id, charge_id, datetime, amount, comment)
		VALUES (?, ?, ?, ?, ?)`,
		string(r.ID),
		string(r.Charge.ID),
		formatTime(r.Datetime),
		r.Amount,
		nullString(r.Comment),
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

// DeactivateHold is the only UPDATE the ledger issues.
func (t *txStore) DeactivateHold(ctx context.Context, id ledger.HoldID) error {
	res, err := t.exec(ctx, `UPDATE holds SET active = ? WHERE id = ?`, false, string(id))
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ledger.NotFoundError{Kind: "hold", Key: string(id)}
	}
	return nil
}

// =============================================================================
// ROW LOCKS
// =============================================================================

func (t *txStore) LockAllocation(ctx context.Context, id ledger.AllocationID) error {
	return t.lock(ctx, "allocations", string(id))
}

func (t *txStore) LockCharge(ctx context.Context, id ledger.ChargeID) error {
	return t.lock(ctx, "charges", string(id))
}

// lock takes a row lock on Postgres. Rows created later in the same
// transaction are not there yet and are skipped; nobody else can see
// them anyway. SQLite already holds the database write lock.
func (t *txStore) lock(ctx context.Context, table, id string) error {
	if t.d != Postgres {
		return nil
	}
	var locked string
	err := t.queryRow(ctx, `SELECT id FROM `+table+` WHERE id = ? FOR UPDATE`, id).Scan(&locked)
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("failed to lock %s row: %w", table, err)
	}
	return nil
}

func jobID(j *ledger.Job) sql.NullString {
	if j == nil {
		return sql.NullString{}
	}
	return nullString(j.ID)
}

func userID(u *ledger.User) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return nullString(u.ID)
}
