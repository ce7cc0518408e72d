// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps ledger rows in maps. WithTx holds the write lock for the
// whole transaction, so transactions are fully serialized.
type Memory struct {
	mu sync.RWMutex
	tables
}

type tables struct {
	projects  map[string]string // id -> name
	resources map[string]string
	users     map[string]string
	jobs      map[string]ledger.Job

	allocations map[ledger.AllocationID]allocationRow
	order       []ledger.AllocationID

	holds   map[ledger.HoldID]holdRow
	charges map[ledger.ChargeID]chargeRow
	refunds map[ledger.RefundID]refundRow

	holdsByAllocation   map[ledger.AllocationID][]ledger.HoldID
	chargesByAllocation map[ledger.AllocationID][]ledger.ChargeID
	refundsByCharge     map[ledger.ChargeID][]ledger.RefundID
}

type allocationRow struct {
	id         ledger.AllocationID
	projectID  string
	resourceID string
	datetime   time.Time
	amount     int64
	start, end time.Time
	comment    string
}

type holdRow struct {
	id           ledger.HoldID
	allocationID ledger.AllocationID
	jobID        string
	userID       string
	datetime     time.Time
	amount       int64
	comment      string
	active       bool
}

type chargeRow struct {
	id           ledger.ChargeID
	allocationID ledger.AllocationID
	jobID        string
	userID       string
	datetime     time.Time
	amount       int64
	comment      string
}

type refundRow struct {
	id       ledger.RefundID
	chargeID ledger.ChargeID
	datetime time.Time
	amount   int64
	comment  string
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tables: newTables()}
}

func newTables() tables {
	return tables{
		projects:            make(map[string]string),
		resources:           make(map[string]string),
		users:               make(map[string]string),
		jobs:                make(map[string]ledger.Job),
		allocations:         make(map[ledger.AllocationID]allocationRow),
		holds:               make(map[ledger.HoldID]holdRow),
		charges:             make(map[ledger.ChargeID]chargeRow),
		refunds:             make(map[ledger.RefundID]refundRow),
		holdsByAllocation:   make(map[ledger.AllocationID][]ledger.HoldID),
		chargesByAllocation: make(map[ledger.AllocationID][]ledger.ChargeID),
		refundsByCharge:     make(map[ledger.ChargeID][]ledger.RefundID),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.tables.clone()
	if err := fn(&memoryTx{t: &m.tables}); err != nil {
		m.tables = snapshot
		return err
	}
	return nil
}

func (t *tables) clone() tables {
	c := tables{
		projects:            maps.Clone(t.projects),
		resources:           maps.Clone(t.resources),
		users:               maps.Clone(t.users),
		jobs:                maps.Clone(t.jobs),
		allocations:         maps.Clone(t.allocations),
		order:               slices.Clone(t.order),
		holds:               maps.Clone(t.holds),
		charges:             maps.Clone(t.charges),
		refunds:             maps.Clone(t.refunds),
		holdsByAllocation:   make(map[ledger.AllocationID][]ledger.HoldID, len(t.holdsByAllocation)),
		chargesByAllocation: make(map[ledger.AllocationID][]ledger.ChargeID, len(t.chargesByAllocation)),
		refundsByCharge:     make(map[ledger.ChargeID][]ledger.RefundID, len(t.refundsByCharge)),
	}
	for k, v := range t.holdsByAllocation {
		c.holdsByAllocation[k] = slices.Clone(v)
	}
	for k, v := range t.chargesByAllocation {
		c.chargesByAllocation[k] = slices.Clone(v)
	}
	for k, v := range t.refundsByCharge {
		c.refundsByCharge[k] = slices.Clone(v)
	}
	return c
}

// =============================================================================
// READS (committed state)
// =============================================================================

func (m *Memory) Allocation(_ context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocation(id)
}

func (m *Memory) Allocations(_ context.Context, f ledger.AllocationFilter) ([]*ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(f), nil
}

func (m *Memory) HoldAllocation(_ context.Context, id ledger.HoldID) (ledger.AllocationID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdAllocation(id)
}

func (m *Memory) ChargeAllocation(_ context.Context, id ledger.ChargeID) (ledger.AllocationID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chargeAllocation(id)
}

func (m *Memory) Project(_ context.Context, id string) (*ledger.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.project(id)
}

func (m *Memory) Resource(_ context.Context, id string) (*ledger.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resource(id)
}

func (m *Memory) User(_ context.Context, id string) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user(id)
}

func (m *Memory) Job(_ context.Context, id string) (*ledger.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.job(id)
}

// =============================================================================
// GRAPH BUILDING - Callers hold the lock
// =============================================================================

func (t *tables) allocation(id ledger.AllocationID) (*ledger.Allocation, error) {
	row, ok := t.allocations[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "allocation", Key: string(id)}
	}
	return t.build(row), nil
}

func (t *tables) list(f ledger.AllocationFilter) []*ledger.Allocation {
	var result []*ledger.Allocation
	for _, id := range t.order {
		row := t.allocations[id]
		if f.ProjectID != "" && row.projectID != f.ProjectID {
			continue
		}
		if f.ResourceID != "" && row.resourceID != f.ResourceID {
			continue
		}
		result = append(result, t.build(row))
	}
	return result
}

func (t *tables) build(row allocationRow) *ledger.Allocation {
	a := &ledger.Allocation{
		ID:       row.id,
		Project:  &ledger.Project{ID: row.projectID, Name: t.projects[row.projectID]},
		Resource: &ledger.Resource{ID: row.resourceID, Name: t.resources[row.resourceID]},
		Datetime: row.datetime,
		Amount:   row.amount,
		Start:    row.start,
		End:      row.end,
		Comment:  row.comment,
	}

	for _, hid := range t.holdsByAllocation[row.id] {
		h := t.holds[hid]
		a.Holds = append(a.Holds, &ledger.Hold{
			ID:         h.id,
			Allocation: a,
			Job:        t.jobRef(h.jobID),
			User:       t.userRef(h.userID),
			Datetime:   h.datetime,
			Amount:     h.amount,
			Comment:    h.comment,
			Active:     h.active,
		})
	}

	for _, cid := range t.chargesByAllocation[row.id] {
		c := t.charges[cid]
		charge := &ledger.Charge{
			ID:         c.id,
			Allocation: a,
			Job:        t.jobRef(c.jobID),
			User:       t.userRef(c.userID),
			Datetime:   c.datetime,
			Amount:     c.amount,
			Comment:    c.comment,
		}
		for _, rid := range t.refundsByCharge[cid] {
			r := t.refunds[rid]
			charge.Refunds = append(charge.Refunds, &ledger.Refund{
				ID:       r.id,
				Charge:   charge,
				Datetime: r.datetime,
				Amount:   r.amount,
				Comment:  r.comment,
			})
		}
		a.Charges = append(a.Charges, charge)
	}
	return a
}

func (t *tables) jobRef(id string) *ledger.Job {
	if id == "" {
		return nil
	}
	j, _ := t.job(id)
	return j
}

func (t *tables) userRef(id string) *ledger.User {
	if id == "" {
		return nil
	}
	return &ledger.User{ID: id, Name: t.users[id]}
}

func (t *tables) holdAllocation(id ledger.HoldID) (ledger.AllocationID, error) {
	h, ok := t.holds[id]
	if !ok {
		return "", &ledger.NotFoundError{Kind: "hold", Key: string(id)}
	}
	return h.allocationID, nil
}

func (t *tables) chargeAllocation(id ledger.ChargeID) (ledger.AllocationID, error) {
	c, ok := t.charges[id]
	if !ok {
		return "", &ledger.NotFoundError{Kind: "charge", Key: string(id)}
	}
	return c.allocationID, nil
}

func (t *tables) project(id string) (*ledger.Project, error) {
	name, ok := t.projects[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "project", Key: id}
	}
	return &ledger.Project{ID: id, Name: name}, nil
}

func (t *tables) resource(id string) (*ledger.Resource, error) {
	name, ok := t.resources[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "resource", Key: id}
	}
	return &ledger.Resource{ID: id, Name: name}, nil
}

func (t *tables) user(id string) (*ledger.User, error) {
	name, ok := t.users[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "user", Key: id}
	}
	return &ledger.User{ID: id, Name: name}, nil
}

func (t *tables) job(id string) (*ledger.Job, error) {
	j, ok := t.jobs[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "job", Key: id}
	}
	j.Attributes = maps.Clone(j.Attributes)
	return &j, nil
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

// memoryTx writes straight into the parent tables; WithTx restores the
// snapshot if fn fails.
type memoryTx struct {
	t *tables
}

var _ ledger.Tx = (*memoryTx)(nil)

func (tx *memoryTx) Allocation(_ context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	return tx.t.allocation(id)
}

func (tx *memoryTx) Allocations(_ context.Context, f ledger.AllocationFilter) ([]*ledger.Allocation, error) {
	return tx.t.list(f), nil
}

func (tx *memoryTx) HoldAllocation(_ context.Context, id ledger.HoldID) (ledger.AllocationID, error) {
	return tx.t.holdAllocation(id)
}

func (tx *memoryTx) ChargeAllocation(_ context.Context, id ledger.ChargeID) (ledger.AllocationID, error) {
	return tx.t.chargeAllocation(id)
}

func (tx *memoryTx) Project(_ context.Context, id string) (*ledger.Project, error) {
	return tx.t.project(id)
}

func (tx *memoryTx) Resource(_ context.Context, id string) (*ledger.Resource, error) {
	return tx.t.resource(id)
}

func (tx *memoryTx) User(_ context.Context, id string) (*ledger.User, error) {
	return tx.t.user(id)
}

func (tx *memoryTx) Job(_ context.Context, id string) (*ledger.Job, error) {
	return tx.t.job(id)
}

func (tx *memoryTx) PutProject(_ context.Context, p *ledger.Project) error {
	if _, ok := tx.t.projects[p.ID]; !ok {
		tx.t.projects[p.ID] = p.Name
	}
	return nil
}

func (tx *memoryTx) PutResource(_ context.Context, r *ledger.Resource) error {
	if _, ok := tx.t.resources[r.ID]; !ok {
		tx.t.resources[r.ID] = r.Name
	}
	return nil
}

func (tx *memoryTx) PutUser(_ context.Context, u *ledger.User) error {
	if _, ok := tx.t.users[u.ID]; !ok {
		tx.t.users[u.ID] = u.Name
	}
	return nil
}

func (tx *memoryTx) PutJob(_ context.Context, j *ledger.Job) error {
	row := *j
	row.Attributes = maps.Clone(j.Attributes)
	tx.t.jobs[j.ID] = row
	return nil
}

func (tx *memoryTx) InsertAllocation(_ context.Context, a *ledger.Allocation) error {
	if _, ok := tx.t.allocations[a.ID]; ok {
		return &ledger.ArgumentError{Op: "insert allocation", Reason: "duplicate id " + string(a.ID)}
	}
	if _, ok := tx.t.projects[a.Project.ID]; !ok {
		return &ledger.NotFoundError{Kind: "project", Key: a.Project.ID}
	}
	if _, ok := tx.t.resources[a.Resource.ID]; !ok {
		return &ledger.NotFoundError{Kind: "resource", Key: a.Resource.ID}
	}

	tx.t.allocations[a.ID] = allocationRow{
		id:         a.ID,
		projectID:  a.Project.ID,
		resourceID: a.Resource.ID,
		datetime:   a.Datetime,
		amount:     a.Amount,
		start:      a.Start,
		end:        a.End,
		comment:    a.Comment,
	}
	tx.t.order = append(tx.t.order, a.ID)
	return nil
}

func (tx *memoryTx) InsertHold(_ context.Context, h *ledger.Hold) error {
	if _, ok := tx.t.holds[h.ID]; ok {
		return &ledger.ArgumentError{Op: "insert hold", Reason: "duplicate id " + string(h.ID)}
	}
	if _, ok := tx.t.allocations[h.Allocation.ID]; !ok {
		return &ledger.NotFoundError{Kind: "allocation", Key: string(h.Allocation.ID)}
	}
	jobID, userID, err := tx.refs(h.Job, h.User)
	if err != nil {
		return err
	}

	tx.t.holds[h.ID] = holdRow{
		id:           h.ID,
		allocationID: h.Allocation.ID,
		jobID:        jobID,
		userID:       userID,
		datetime:     h.Datetime,
		amount:       h.Amount,
		comment:      h.Comment,
		active:       h.Active,
	}
	tx.t.holdsByAllocation[h.Allocation.ID] = append(tx.t.holdsByAllocation[h.Allocation.ID], h.ID)
	return nil
}

func (tx *memoryTx) InsertCharge(_ context.Context, c *ledger.Charge) error {
	if _, ok := tx.t.charges[c.ID]; ok {
		return &ledger.ArgumentError{Op: "insert charge", Reason: "duplicate id " + string(c.ID)}
	}
	if _, ok := tx.t.allocations[c.Allocation.ID]; !ok {
		return &ledger.NotFoundError{Kind: "allocation", Key: string(c.Allocation.ID)}
	}
	jobID, userID, err := tx.refs(c.Job, c.User)
	if err != nil {
		return err
	}

	tx.t.charges[c.ID] = chargeRow{
		id:           c.ID,
		allocationID: c.Allocation.ID,
		jobID:        jobID,
		userID:       userID,
		datetime:     c.Datetime,
		amount:       c.Amount,
		comment:      c.Comment,
	}
	tx.t.chargesByAllocation[c.Allocation.ID] = append(tx.t.chargesByAllocation[c.Allocation.ID], c.ID)
	return nil
}

func (tx *memoryTx) InsertRefund(_ context.Context, r *ledger.Refund) error {
	if _, ok := tx.t.refunds[r.ID]; ok {
		return &ledger.ArgumentError{Op: "insert refund", Reason: "duplicate id " + string(r.ID)}
	}
	if _, ok := tx.t.charges[r.Charge.ID]; !ok {
		return &ledger.NotFoundError{Kind: "charge", Key: string(r.Charge.ID)}
	}

	tx.t.refunds[r.ID] = refundRow{
		id:       r.ID,
		chargeID: r.Charge.ID,
		datetime: r.Datetime,
		amount:   r.Amount,
		comment:  r.Comment,
	}
	tx.t.refundsByCharge[r.Charge.ID] = append(tx.t.refundsByCharge[r.Charge.ID], r.ID)
	return nil
}

func (tx *memoryTx) DeactivateHold(_ context.Context, id ledger.HoldID) error {
	h, ok := tx.t.holds[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "hold", Key: string(id)}
	}
	h.active = false
	tx.t.holds[id] = h
	return nil
}

// LockAllocation is a no-op: WithTx already holds the store's write lock.
func (tx *memoryTx) LockAllocation(context.Context, ledger.AllocationID) error {
	return nil
}

func (tx *memoryTx) LockCharge(context.Context, ledger.ChargeID) error {
	return nil
}

// refs checks foreign keys of optional job and user references.
func (tx *memoryTx) refs(job *ledger.Job, user *ledger.User) (jobID, userID string, err error) {
	if job != nil {
		if _, ok := tx.t.jobs[job.ID]; !ok {
			return "", "", &ledger.NotFoundError{Kind: "job", Key: job.ID}
		}
		jobID = job.ID
	}
	if user != nil {
		if _, ok := tx.t.users[user.ID]; !ok {
			return "", "", &ledger.NotFoundError{Kind: "user", Key: user.ID}
		}
		userID = user.ID
	}
	return jobID, userID, nil
}
