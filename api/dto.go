/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts are in
  display units (see units.go) and travel as decimal strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, mutually exclusive selectors). Amount rules are the
  ledger's job and surface as 409s.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateAllocationRequest struct {
	Project  string          `json:"project" validate:"required"`
	Resource string          `json:"resource" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Start    time.Time       `json:"start" validate:"required"`
	End      time.Time       `json:"end" validate:"required,gtfield=Start"`
	Comment  string          `json:"comment"`
}

// EntryRequest selects allocations for a distributed hold or charge:
// either explicit allocation IDs (in distribution order) or a project and
// resource, whose active allocations are used soonest-expiring first.
type EntryRequest struct {
	AllocationIDs []string        `json:"allocation_ids" validate:"omitempty,dive,required"`
	Project       string          `json:"project" validate:"required_without=AllocationIDs"`
	Resource      string          `json:"resource" validate:"required_with=Project"`
	Amount        decimal.Decimal `json:"amount"`
	Comment       string          `json:"comment"`
	JobID         string          `json:"job_id"`
	User          string          `json:"user"`
}

type CreateHoldRequest struct {
	EntryRequest
}

// CreateChargeRequest may release holds in the same commit, which is how
// a finished job turns its reservation into consumption.
type CreateChargeRequest struct {
	EntryRequest
	ReleaseHolds []string `json:"release_holds" validate:"omitempty,dive,required"`
}

// CreateRefundRequest refunds the full effective amount when Amount is nil.
type CreateRefundRequest struct {
	Amount  *decimal.Decimal `json:"amount"`
	Comment string           `json:"comment"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type AllocationDTO struct {
	ID       string          `json:"id"`
	Project  string          `json:"project"`
	Resource string          `json:"resource"`
	Datetime time.Time       `json:"datetime"`
	Amount   decimal.Decimal `json:"amount"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Comment  string          `json:"comment,omitempty"`
	Active   bool            `json:"active"`
	Summary  SummaryDTO      `json:"summary"`
	Holds    []HoldDTO       `json:"holds,omitempty"`
	Charges  []ChargeDTO     `json:"charges,omitempty"`
}

type HoldDTO struct {
	ID           string          `json:"id"`
	AllocationID string          `json:"allocation_id"`
	Datetime     time.Time       `json:"datetime"`
	Amount       decimal.Decimal `json:"amount"`
	Comment      string          `json:"comment,omitempty"`
	Active       bool            `json:"active"`
	JobID        string          `json:"job_id,omitempty"`
	User         string          `json:"user,omitempty"`
}

type ChargeDTO struct {
	ID              string          `json:"id"`
	AllocationID    string          `json:"allocation_id"`
	Datetime        time.Time       `json:"datetime"`
	Amount          decimal.Decimal `json:"amount"`
	EffectiveAmount decimal.Decimal `json:"effective_amount"`
	Comment         string          `json:"comment,omitempty"`
	JobID           string          `json:"job_id,omitempty"`
	User            string          `json:"user,omitempty"`
	Refunds         []RefundDTO     `json:"refunds,omitempty"`
}

type RefundDTO struct {
	ID       string          `json:"id"`
	ChargeID string          `json:"charge_id"`
	Datetime time.Time       `json:"datetime"`
	Amount   decimal.Decimal `json:"amount"`
	Comment  string          `json:"comment,omitempty"`
}

// SummaryDTO is ledger.AllocationSummary in display units.
type SummaryDTO struct {
	Amount             decimal.Decimal `json:"amount"`
	ActiveHoldSum      decimal.Decimal `json:"active_hold_sum"`
	ActiveHolds        int             `json:"active_holds"`
	ChargeSum          decimal.Decimal `json:"charge_sum"`
	Charges            int             `json:"charges"`
	RefundSum          decimal.Decimal `json:"refund_sum"`
	Refunds            int             `json:"refunds"`
	OutstandingCharges decimal.Decimal `json:"outstanding_charges"`
	Available          decimal.Decimal `json:"available"`
	Unit               string          `json:"unit"`
}

type AllocationListDTO struct {
	Allocations []AllocationDTO `json:"allocations"`
	Total       SummaryDTO      `json:"total"`
}

type ProjectSummaryDTO struct {
	Project     string       `json:"project"`
	Resource    string       `json:"resource,omitempty"`
	Allocations []SummaryRow `json:"allocations"`
	Total       SummaryDTO   `json:"total"`
}

type SummaryRow struct {
	AllocationID string     `json:"allocation_id"`
	Resource     string     `json:"resource"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Summary      SummaryDTO `json:"summary"`
}

type JobDTO struct {
	ID         string            `json:"id"`
	User       string            `json:"user,omitempty"`
	Group      string            `json:"group,omitempty"`
	Account    string            `json:"account,omitempty"`
	Name       string            `json:"name,omitempty"`
	Queue      string            `json:"queue,omitempty"`
	ExitStatus *int              `json:"exit_status,omitempty"`
	Start      *time.Time        `json:"start,omitempty"`
	End        *time.Time        `json:"end,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type ImportJobsResponse struct {
	Imported int      `json:"imported"`
	Jobs     []JobDTO `json:"jobs"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (u Units) summaryDTO(s ledger.AllocationSummary) SummaryDTO {
	return SummaryDTO{
		Amount:             u.Display(s.Amount),
		ActiveHoldSum:      u.Display(s.ActiveHoldSum),
		ActiveHolds:        s.ActiveHolds,
		ChargeSum:          u.Display(s.ChargeSum),
		Charges:            s.Charges,
		RefundSum:          u.Display(s.RefundSum),
		Refunds:            s.Refunds,
		OutstandingCharges: u.Display(s.OutstandingCharges),
		Available:          u.Display(s.Available),
		Unit:               u.Label,
	}
}

func (u Units) allocationDTO(a *ledger.Allocation, now time.Time, withChildren bool) AllocationDTO {
	summary := ledger.Summarize([]*ledger.Allocation{a})
	dto := AllocationDTO{
		ID:       string(a.ID),
		Project:  a.Project.Name,
		Resource: a.Resource.Name,
		Datetime: a.Datetime,
		Amount:   u.Display(a.Amount),
		Start:    a.Start,
		End:      a.End,
		Comment:  a.Comment,
		Active:   a.IsActive(now),
		Summary:  u.summaryDTO(summary.Allocations[0]),
	}
	if withChildren {
		for _, h := range a.Holds {
			dto.Holds = append(dto.Holds, u.holdDTO(h))
		}
		for _, c := range a.Charges {
			dto.Charges = append(dto.Charges, u.chargeDTO(c))
		}
	}
	return dto
}

func (u Units) holdDTO(h *ledger.Hold) HoldDTO {
	dto := HoldDTO{
		ID:           string(h.ID),
		AllocationID: string(h.Allocation.ID),
		Datetime:     h.Datetime,
		Amount:       u.Display(h.Amount),
		Comment:      h.Comment,
		Active:       h.Active,
	}
	if h.Job != nil {
		dto.JobID = h.Job.ID
	}
	if h.User != nil {
		dto.User = h.User.Name
	}
	return dto
}

func (u Units) chargeDTO(c *ledger.Charge) ChargeDTO {
	dto := ChargeDTO{
		ID:              string(c.ID),
		AllocationID:    string(c.Allocation.ID),
		Datetime:        c.Datetime,
		Amount:          u.Display(c.Amount),
		EffectiveAmount: u.Display(c.EffectiveAmount()),
		Comment:         c.Comment,
	}
	if c.Job != nil {
		dto.JobID = c.Job.ID
	}
	if c.User != nil {
		dto.User = c.User.Name
	}
	for _, r := range c.Refunds {
		dto.Refunds = append(dto.Refunds, u.refundDTO(r))
	}
	return dto
}

func (u Units) refundDTO(r *ledger.Refund) RefundDTO {
	return RefundDTO{
		ID:       string(r.ID),
		ChargeID: string(r.Charge.ID),
		Datetime: r.Datetime,
		Amount:   u.Display(r.Amount),
		Comment:  r.Comment,
	}
}

func jobDTO(j *ledger.Job) JobDTO {
	dto := JobDTO{
		ID:         j.ID,
		User:       j.UserName,
		Group:      j.Group,
		Account:    j.Account,
		Name:       j.Name,
		Queue:      j.Queue,
		ExitStatus: j.ExitStatus,
		Attributes: j.Attributes,
	}
	if !j.Start.IsZero() {
		start := j.Start
		dto.Start = &start
	}
	if !j.End.IsZero() {
		end := j.End
		dto.End = &end
	}
	return dto
}
