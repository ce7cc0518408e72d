package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

// reader runs ledger reads against a *sql.DB or a *sql.Tx. Every query
// drains and closes its rows before the next one starts, since SQLite
// runs on a single connection.
type reader struct {
	q querier
	d Dialect
}

const allocationSelect = `
	SELECT a.id, a.project_id, p.name, a.resource_id, r.name,
	       a.datetime, a.amount, a.start_time, a.end_time, a.comment
	FROM allocations a
	JOIN projects p ON p.id = a.project_id
	JOIN resources r ON r.id = a.resource_id`

func (r reader) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.rebind(query), args...)
}

func (r reader) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.rebind(query), args...)
}

func (r reader) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.d.rebind(query), args...)
}

// Allocation returns the allocation graph for id.
func (r reader) Allocation(ctx context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	a, err := scanAllocation(r.queryRow(ctx, allocationSelect+` WHERE a.id = ?`, string(id)))
	if isNoRows(err) {
		return nil, &ledger.NotFoundError{Kind: "allocation", Key: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation: %w", err)
	}

	if err := r.loadChildren(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Allocations returns allocation graphs matching f, oldest first.
func (r reader) Allocations(ctx context.Context, f ledger.AllocationFilter) ([]*ledger.Allocation, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "a.project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.ResourceID != "" {
		where = append(where, "a.resource_id = ?")
		args = append(args, f.ResourceID)
	}

	query := allocationSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.datetime, a.id"

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}

	var allocations []*ledger.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range allocations {
		if err := r.loadChildren(ctx, a); err != nil {
			return nil, err
		}
	}
	return allocations, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAllocation(s scanner) (*ledger.Allocation, error) {
	var (
		a                    ledger.Allocation
		id                   string
		project              ledger.Project
		resource             ledger.Resource
		datetime, start, end string
		comment              sql.NullString
	)
	err := s.Scan(&id, &project.ID, &project.Name, &resource.ID, &resource.Name,
		&datetime, &a.Amount, &start, &end, &comment)
	if err != nil {
		return nil, err
	}

	a.ID = ledger.AllocationID(id)
	a.Project = &project
	a.Resource = &resource
	a.Comment = comment.String
	if a.Datetime, err = parseTime(datetime); err != nil {
		return nil, err
	}
	if a.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if a.End, err = parseTime(end); err != nil {
		return nil, err
	}
	return &a, nil
}

// loadChildren attaches holds, charges and refunds to a.
func (r reader) loadChildren(ctx context.Context, a *ledger.Allocation) error {
	var refs []jobRef

	holds, err := r.loadHolds(ctx, a, &refs)
	if err != nil {
		return err
	}
	charges, err := r.loadCharges(ctx, a, &refs)
	if err != nil {
		return err
	}
	if err := r.loadRefunds(ctx, a.ID, charges); err != nil {
		return err
	}

	jobs := make(map[string]*ledger.Job)
	for _, ref := range refs {
		j, ok := jobs[ref.id]
		if !ok {
			if j, err = r.Job(ctx, ref.id); err != nil {
				return err
			}
			jobs[ref.id] = j
		}
		ref.set(j)
	}

	a.Holds = holds
	a.Charges = charges
	return nil
}

// jobRef defers attaching a job until the child rows are closed.
type jobRef struct {
	id  string
	set func(*ledger.Job)
}

func (r reader) loadHolds(ctx context.Context, a *ledger.Allocation, refs *[]jobRef) ([]*ledger.Hold, error) {
	rows, err := r.query(ctx, `
		SELECT h.id, h.datetime, h.amount, h.comment, h.active, h.job_id, h.user_id, u.name
		FROM holds h
		LEFT JOIN users u ON u.id = h.user_id
		WHERE h.allocation_id = ?
		ORDER BY h.datetime, h.id`, string(a.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()

	var holds []*ledger.Hold
	for rows.Next() {
		var (
			h                = &ledger.Hold{Allocation: a}
			id, datetime     string
			comment, jobID   sql.NullString
			userID, userName sql.NullString
		)
		if err := rows.Scan(&id, &datetime, &h.Amount, &comment, &h.Active, &jobID, &userID, &userName); err != nil {
			return nil, fmt.Errorf("failed to scan hold: %w", err)
		}
		h.ID = ledger.HoldID(id)
		h.Comment = comment.String
		if h.Datetime, err = parseTime(datetime); err != nil {
			return nil, err
		}
		if userID.Valid {
			h.User = &ledger.User{ID: userID.String, Name: userName.String}
		}
		if jobID.Valid {
			*refs = append(*refs, jobRef{id: jobID.String, set: func(j *ledger.Job) { h.Job = j }})
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func (r reader) loadCharges(ctx context.Context, a *ledger.Allocation, refs *[]jobRef) ([]*ledger.Charge, error) {
	rows, err := r.query(ctx, `
		SELECT c.id, c.datetime, c.amount, c.comment, c.job_id, c.user_id, u.name
		FROM charges c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.allocation_id = ?
		ORDER BY c.datetime, c.id`, string(a.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []*ledger.Charge
	for rows.Next() {
		var (
			c                = &ledger.Charge{Allocation: a}
			id, datetime     string
			comment, jobID   sql.NullString
			userID, userName sql.NullString
		)
		if err := rows.Scan(&id, &datetime, &c.Amount, &comment, &jobID, &userID, &userName); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		c.ID = ledger.ChargeID(id)
		c.Comment = comment.String
		if c.Datetime, err = parseTime(datetime); err != nil {
			return nil, err
		}
		if userID.Valid {
			c.User = &ledger.User{ID: userID.String, Name: userName.String}
		}
		if jobID.Valid {
			*refs = append(*refs, jobRef{id: jobID.String, set: func(j *ledger.Job) { c.Job = j }})
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

func (r reader) loadRefunds(ctx context.Context, allocationID ledger.AllocationID, charges []*ledger.Charge) error {
	if len(charges) == 0 {
		return nil
	}
	byID := make(map[ledger.ChargeID]*ledger.Charge, len(charges))
	for _, c := range charges {
		byID[c.ID] = c
	}

	rows, err := r.query(ctx, `
		SELECT f.id, f.charge_id, f.datetime, f.amount, f.comment
		FROM refunds f
		JOIN charges c ON c.id = f.charge_id
		WHERE c.allocation_id = ?
		ORDER BY f.datetime, f.id`, string(allocationID))
	if err != nil {
		return fmt.Errorf("failed to query refunds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, chargeID, datetime string
			amount                 int64
			comment                sql.NullString
		)
		if err := rows.Scan(&id, &chargeID, &datetime, &amount, &comment); err != nil {
			return fmt.Errorf("failed to scan refund: %w", err)
		}
		c, ok := byID[ledger.ChargeID(chargeID)]
		if !ok {
			continue
		}
		ts, err := parseTime(datetime)
		if err != nil {
			return err
		}
		c.Refunds = append(c.Refunds, &ledger.Refund{
			ID:       ledger.RefundID(id),
			Charge:   c,
			Datetime: ts,
			Amount:   amount,
			Comment:  comment.String,
		})
	}
	return rows.Err()
}

// HoldAllocation returns the allocation a hold belongs to.
func (r reader) HoldAllocation(ctx context.Context, id ledger.HoldID) (ledger.AllocationID, error) {
	var allocationID string
	err := r.queryRow(ctx, `SELECT allocation_id FROM holds WHERE id = ?`, string(id)).Scan(&allocationID)
	if isNoRows(err) {
		return "", &ledger.NotFoundError{Kind: "hold", Key: string(id)}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load hold: %w", err)
	}
	return ledger.AllocationID(allocationID), nil
}

// ChargeAllocation returns the allocation a charge belongs to.
func (r reader) ChargeAllocation(ctx context.Context, id ledger.ChargeID) (ledger.AllocationID, error) {
	var allocationID string
	err := r.queryRow(ctx, `SELECT allocation_id FROM charges WHERE id = ?`, string(id)).Scan(&allocationID)
	if isNoRows(err) {
		return "", &ledger.NotFoundError{Kind: "charge", Key: string(id)}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load charge: %w", err)
	}
	return ledger.AllocationID(allocationID), nil
}

func (r reader) Project(ctx context.Context, id string) (*ledger.Project, error) {
	name, err := r.name(ctx, "projects", "project", id)
	if err != nil {
		return nil, err
	}
	return &ledger.Project{ID: id, Name: name}, nil
}

func (r reader) Resource(ctx context.Context, id string) (*ledger.Resource, error) {
	name, err := r.name(ctx, "resources", "resource", id)
	if err != nil {
		return nil, err
	}
	return &ledger.Resource{ID: id, Name: name}, nil
}

func (r reader) User(ctx context.Context, id string) (*ledger.User, error) {
	name, err := r.name(ctx, "users", "user", id)
	if err != nil {
		return nil, err
	}
	return &ledger.User{ID: id, Name: name}, nil
}

// name reads a reference entity. table is one of the fixed schema tables.
func (r reader) name(ctx context.Context, table, kind, id string) (string, error) {
	var name string
	err := r.queryRow(ctx, `SELECT name FROM `+table+` WHERE id = ?`, id).Scan(&name)
	if isNoRows(err) {
		return "", &ledger.NotFoundError{Kind: kind, Key: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return name, nil
}

// Job returns a scheduler job record.
func (r reader) Job(ctx context.Context, id string) (*ledger.Job, error) {
	var (
		j                                     = &ledger.Job{ID: id}
		userName, group, account, name, queue sql.NullString
		exitStatus                            sql.NullInt64
		start, end, attributes                sql.NullString
	)
	err := r.queryRow(ctx, `
		SELECT user_name, group_name, account, name, queue, exit_status,
		       start_time, end_time, attributes_json
		FROM jobs WHERE id = ?`, id).
		Scan(&userName, &group, &account, &name, &queue, &exitStatus, &start, &end, &attributes)
	if isNoRows(err) {
		return nil, &ledger.NotFoundError{Kind: "job", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	j.UserName = userName.String
	j.Group = group.String
	j.Account = account.String
	j.Name = name.String
	j.Queue = queue.String
	if exitStatus.Valid {
		status := int(exitStatus.Int64)
		j.ExitStatus = &status
	}
	if start.Valid {
		if j.Start, err = parseTime(start.String); err != nil {
			return nil, err
		}
	}
	if end.Valid {
		if j.End, err = parseTime(end.String); err != nil {
			return nil, err
		}
	}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &j.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode job attributes: %w", err)
		}
	}
	return j, nil
}
