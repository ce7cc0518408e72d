/*
handlers.go - HTTP API handlers for the allocation ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Session.

ENDPOINTS:
  Allocations:
    POST   /api/allocations               Create allocation
    GET    /api/allocations               List (?project=&resource=&active=true)
    GET    /api/allocations/{id}          Allocation with holds, charges, refunds

  Holds:
    POST   /api/holds                     Create holds (distributed)
    POST   /api/holds/{id}/release        Release a hold

  Charges:
    POST   /api/charges                   Create charges (distributed), optionally
                                          releasing holds in the same commit
    GET    /api/charges/{id}              Charge with refunds
    POST   /api/charges/{id}/refunds      Refund (no amount: full refund)

  Jobs:
    POST   /api/jobs                      Import scheduler accounting log lines

  Reports:
    GET    /api/projects/{name}/summary   Per-allocation balances (?resource=)

  Scenarios (scenarios.go):
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Run one against a project

REQUEST FLOW:
  1. Decode and validate the body
  2. Open a fresh ledger.Session
  3. Resolve names, load allocations, stage entities
  4. Commit (the constraint engine runs here)
  5. Serialize the committed entities

ERROR HANDLING:
  - 400: Malformed body, failed validation tags, ledger.ArgumentError
  - 404: ledger.NotFoundError
  - 409: ledger.ValidationError (an invariant would be violated)
  - 500: Everything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/allocation-ledger/ledger"
	"github.com/warp/allocation-ledger/pbs"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store    ledger.Store
	resolver ledger.Resolver
	units    Units
	logger   *zap.Logger
	clock    ledger.Clock
	validate *validator.Validate
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithClock sets the clock sessions use. Defaults to the system clock.
func WithClock(c ledger.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

// WithUnits sets display-unit conversion. Defaults to IdentityUnits.
func WithUnits(u Units) HandlerOption {
	return func(h *Handler) { h.units = u }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a handler over store, resolving names with resolver.
func NewHandler(store ledger.Store, resolver ledger.Resolver, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:    store,
		resolver: resolver,
		units:    IdentityUnits(),
		logger:   zap.NewNop(),
		clock:    ledger.SystemClock(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// session opens the per-request unit of work.
func (h *Handler) session() *ledger.Session {
	return ledger.NewSession(h.store, h.resolver,
		ledger.WithClock(h.clock),
		ledger.WithLogger(h.logger),
	)
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// CreateAllocation grants an amount of a resource to a project.
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req CreateAllocationRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	s := h.session()

	project, err := s.Project(ctx, req.Project)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	resource, err := s.Resource(ctx, req.Resource)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	amount, err := h.units.Parse(req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	alloc, err := s.CreateAllocation(project, resource, amount, req.Start, req.End, req.Comment)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.Commit(ctx); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.units.allocationDTO(alloc, s.Now(), false))
}

// ListAllocations lists allocations, optionally narrowed by project and
// resource name. With active=true only allocations active now are
// returned, soonest-expiring first.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.session()
	q := r.URL.Query()

	var (
		filter   ledger.AllocationFilter
		project  *ledger.Project
		resource *ledger.Resource
		err      error
	)
	if name := q.Get("project"); name != "" {
		if project, err = s.Project(ctx, name); err != nil {
			h.writeLedgerError(w, err)
			return
		}
		filter.ProjectID = project.ID
	}
	if name := q.Get("resource"); name != "" {
		if resource, err = s.Resource(ctx, name); err != nil {
			h.writeLedgerError(w, err)
			return
		}
		filter.ResourceID = resource.ID
	}

	var allocs []*ledger.Allocation
	switch {
	case q.Get("active") == "true" && project != nil && resource != nil:
		allocs, err = s.ActiveAllocations(ctx, project, resource)
	default:
		allocs, err = s.Allocations(ctx, filter)
		if err == nil && q.Get("active") == "true" {
			allocs = activeOnly(allocs, s)
		}
	}
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	now := s.Now()
	resp := AllocationListDTO{Allocations: make([]AllocationDTO, 0, len(allocs))}
	for _, a := range allocs {
		resp.Allocations = append(resp.Allocations, h.units.allocationDTO(a, now, false))
	}
	resp.Total = h.units.summaryDTO(ledger.Summarize(allocs).Total)

	writeJSON(w, http.StatusOK, resp)
}

func activeOnly(allocs []*ledger.Allocation, s *ledger.Session) []*ledger.Allocation {
	now := s.Now()
	var active []*ledger.Allocation
	for _, a := range allocs {
		if a.IsActive(now) {
			active = append(active, a)
		}
	}
	return active
}

// GetAllocation returns one allocation with its holds, charges and refunds.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	s := h.session()
	alloc, err := s.Allocation(r.Context(), ledger.AllocationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.units.allocationDTO(alloc, s.Now(), true))
}

// =============================================================================
// HOLD HANDLERS
// =============================================================================

// CreateHolds distributes a hold across the selected allocations.
func (h *Handler) CreateHolds(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	s := h.session()

	allocs, opts, err := h.resolveEntry(ctx, s, req.EntryRequest)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	amount, err := h.units.Parse(req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	holds, err := s.CreateHoldsDistributed(allocs, amount, req.Comment, opts...)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.Commit(ctx); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]HoldDTO, len(holds))
	for i, hold := range holds {
		dtos[i] = h.units.holdDTO(hold)
	}
	writeJSON(w, http.StatusCreated, dtos)
}

// ReleaseHold deactivates a hold.
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.session()

	hold, err := s.Hold(ctx, ledger.HoldID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.ReleaseHold(hold); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.Commit(ctx); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.units.holdDTO(hold))
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// CreateCharges distributes a charge across the selected allocations,
// releasing any listed holds in the same commit.
func (h *Handler) CreateCharges(w http.ResponseWriter, r *http.Request) {
	var req CreateChargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	s := h.session()

	for _, id := range req.ReleaseHolds {
		hold, err := s.Hold(ctx, ledger.HoldID(id))
		if err != nil {
			h.writeLedgerError(w, err)
			return
		}
		if err := s.ReleaseHold(hold); err != nil {
			h.writeLedgerError(w, err)
			return
		}
	}

	allocs, opts, err := h.resolveEntry(ctx, s, req.EntryRequest)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	amount, err := h.units.Parse(req.Amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	charges, err := s.CreateChargesDistributed(allocs, amount, req.Comment, opts...)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.Commit(ctx); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = h.units.chargeDTO(c)
	}
	writeJSON(w, http.StatusCreated, dtos)
}

// GetCharge returns one charge with its refunds.
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	charge, err := h.session().Charge(r.Context(), ledger.ChargeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.units.chargeDTO(charge))
}

// CreateRefund refunds part of a charge, or all of it when no amount is given.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	s := h.session()

	charge, err := s.Charge(ctx, ledger.ChargeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	var refund *ledger.Refund
	if req.Amount == nil {
		refund, err = s.RefundFull(charge, req.Comment)
	} else {
		var amount int64
		if amount, err = h.units.Parse(*req.Amount); err == nil {
			refund, err = s.CreateRefund(charge, amount, req.Comment)
		}
	}
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.Commit(ctx); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.units.refundDTO(refund))
}

// resolveEntry turns an EntryRequest into the allocations to distribute
// over and the job/user options for each entry.
func (h *Handler) resolveEntry(ctx context.Context, s *ledger.Session, req EntryRequest) ([]*ledger.Allocation, []ledger.EntryOption, error) {
	var allocs []*ledger.Allocation
	if len(req.AllocationIDs) > 0 {
		for _, id := range req.AllocationIDs {
			a, err := s.Allocation(ctx, ledger.AllocationID(id))
			if err != nil {
				return nil, nil, err
			}
			allocs = append(allocs, a)
		}
	} else {
		project, err := s.Project(ctx, req.Project)
		if err != nil {
			return nil, nil, err
		}
		resource, err := s.Resource(ctx, req.Resource)
		if err != nil {
			return nil, nil, err
		}
		if allocs, err = s.ActiveAllocations(ctx, project, resource); err != nil {
			return nil, nil, err
		}
	}

	var opts []ledger.EntryOption
	if req.JobID != "" {
		job, err := s.Job(ctx, req.JobID)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ledger.WithJob(job))
	}
	if req.User != "" {
		user, err := s.User(ctx, req.User)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ledger.WithUser(user))
	}
	return allocs, opts, nil
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ImportJobs reads scheduler accounting log lines from the request body.
func (h *Handler) ImportJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.session()

	jobs, err := pbs.Import(ctx, s, r.Body)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if err := s.Commit(ctx); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	resp := ImportJobsResponse{Imported: len(jobs), Jobs: make([]JobDTO, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = jobDTO(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// ProjectSummary reports balances of every allocation of a project.
func (h *Handler) ProjectSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.session()

	project, err := s.Project(ctx, chi.URLParam(r, "name"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	filter := ledger.AllocationFilter{ProjectID: project.ID}

	resourceName := r.URL.Query().Get("resource")
	if resourceName != "" {
		resource, err := s.Resource(ctx, resourceName)
		if err != nil {
			h.writeLedgerError(w, err)
			return
		}
		filter.ResourceID = resource.ID
	}

	allocs, err := s.Allocations(ctx, filter)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	summary := ledger.Summarize(allocs)
	resp := ProjectSummaryDTO{
		Project:     project.Name,
		Resource:    resourceName,
		Allocations: make([]SummaryRow, 0, len(summary.Allocations)),
		Total:       h.units.summaryDTO(summary.Total),
	}
	for _, row := range summary.Allocations {
		resp.Allocations = append(resp.Allocations, SummaryRow{
			AllocationID: string(row.Allocation.ID),
			Resource:     row.Allocation.Resource.Name,
			Start:        row.Allocation.Start,
			End:          row.Allocation.End,
			Summary:      h.units.summaryDTO(row),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// pinger is implemented by stores backed by a database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure. An
// empty body decodes as the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// writeLedgerError maps ledger error categories to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Ledger constraint violated",
			Details: verr.Error(),
			Rule:    string(verr.Rule),
		})
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case ledger.IsArgument(err):
		writeError(w, http.StatusBadRequest, "Invalid argument", err)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
