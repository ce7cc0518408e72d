/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that run a short sequence of ledger
	operations against a project the resolver knows. Each scenario commits
	its own fresh allocations, so nothing already in the ledger is touched.

AVAILABLE SCENARIOS:

	full-refund:      Charge 600 of 1200, refund all of it, charge 300
	partial-refund:   Charge 600 of 1200, refund 400, charge 300
	distributed-hold: Hold 900 across two allocations of 600
	over-hold:        Hold past what is left; the commit is rejected
	over-refund:      Refund 110 of a 100 charge; the commit is rejected

HOW SCENARIOS WORK:
 1. Resolve project and resource
 2. Create and commit the scenario's allocations
 3. Run the scenario's steps, one commit per step
 4. Report the resulting allocations, and the rejection if a step failed

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-refund", "project": "grant-1", "resource": "cluster"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Write a step function: func(*scenarioRun) error
 3. Add it to scenarioSteps

NOTE:

	Scenarios append to the ledger. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Shared helpers
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	Project    string `json:"project" validate:"required"`
	Resource   string `json:"resource" validate:"required"`
}

type ScenarioResultDTO struct {
	Scenario    string          `json:"scenario"`
	Allocations []AllocationDTO `json:"allocations"`
	Rejected    *ErrorResponse  `json:"rejected,omitempty"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "full-refund",
		Name:        "Full Refund",
		Description: "Allocation of 1200; charge 600, refund it in full, charge 300. 900 left.",
	},
	{
		ID:          "partial-refund",
		Name:        "Partial Refund",
		Description: "Allocation of 1200; charge 600, refund 400, charge 300. 700 left.",
	},
	{
		ID:          "distributed-hold",
		Name:        "Distributed Hold",
		Description: "Two allocations of 600; a hold of 900 takes 600 from the first, 300 from the second.",
	},
	{
		ID:          "over-hold",
		Name:        "Over-Hold",
		Description: "Allocation of 1200 with 1000 charged; a hold of 300 is rejected.",
	},
	{
		ID:          "over-refund",
		Name:        "Over-Refund",
		Description: "Charge of 100; a refund of 110 is rejected and the charge stays at 100.",
	},
}

// scenarioRun is the state a scenario's steps share.
type scenarioRun struct {
	ctx         context.Context
	s           *ledger.Session
	project     *ledger.Project
	resource    *ledger.Resource
	start       time.Time
	allocations []*ledger.Allocation
}

var scenarioSteps = map[string]func(*scenarioRun) error{
	"full-refund": func(run *scenarioRun) error {
		return run.refundThenCharge(-1)
	},
	"partial-refund": func(run *scenarioRun) error {
		return run.refundThenCharge(400)
	},
	"distributed-hold": func(run *scenarioRun) error {
		if err := run.allocate(600, 6); err != nil {
			return err
		}
		if err := run.allocate(600, 12); err != nil {
			return err
		}
		if _, err := run.s.CreateHoldsDistributed(run.allocations, 900, "scenario: distributed hold"); err != nil {
			return err
		}
		return run.s.Commit(run.ctx)
	},
	"over-hold": func(run *scenarioRun) error {
		if err := run.allocate(1200, 12); err != nil {
			return err
		}
		a := run.allocations[0]
		if _, err := run.s.CreateCharge(a, 1000, "scenario: usage"); err != nil {
			return err
		}
		if err := run.s.Commit(run.ctx); err != nil {
			return err
		}
		if _, err := run.s.CreateHold(a, 300, "scenario: over-hold"); err != nil {
			return err
		}
		return run.s.Commit(run.ctx)
	},
	"over-refund": func(run *scenarioRun) error {
		if err := run.allocate(1200, 12); err != nil {
			return err
		}
		c, err := run.s.CreateCharge(run.allocations[0], 100, "scenario: usage")
		if err != nil {
			return err
		}
		if err := run.s.Commit(run.ctx); err != nil {
			return err
		}
		if _, err := run.s.CreateRefund(c, 110, "scenario: over-refund"); err != nil {
			return err
		}
		return run.s.Commit(run.ctx)
	},
}

// allocate commits an allocation starting at run.start and lasting months.
func (run *scenarioRun) allocate(amount int64, months int) error {
	a, err := run.s.CreateAllocation(run.project, run.resource, amount,
		run.start, run.start.AddDate(0, months, 0), "scenario")
	if err != nil {
		return err
	}
	if err := run.s.Commit(run.ctx); err != nil {
		return err
	}
	run.allocations = append(run.allocations, a)
	return nil
}

// refundThenCharge charges 600 of 1200, refunds refund (all of it when
// negative), then charges 300.
func (run *scenarioRun) refundThenCharge(refund int64) error {
	if err := run.allocate(1200, 12); err != nil {
		return err
	}
	a := run.allocations[0]

	c, err := run.s.CreateCharge(a, 600, "scenario: first run")
	if err != nil {
		return err
	}
	if err := run.s.Commit(run.ctx); err != nil {
		return err
	}

	if refund < 0 {
		_, err = run.s.RefundFull(c, "scenario: full refund")
	} else {
		_, err = run.s.CreateRefund(c, refund, "scenario: partial refund")
	}
	if err != nil {
		return err
	}
	if err := run.s.Commit(run.ctx); err != nil {
		return err
	}

	if _, err := run.s.CreateCharge(a, 300, "scenario: second run"); err != nil {
		return err
	}
	return run.s.Commit(run.ctx)
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a predefined scenario. A constraint rejection is part
// of some scenarios and is reported in the result, not as an error status.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	steps, ok := scenarioSteps[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
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

	run := &scenarioRun{
		ctx:      ctx,
		s:        s,
		project:  project,
		resource: resource,
		start:    s.Now().Truncate(24 * time.Hour),
	}

	resp := ScenarioResultDTO{Scenario: req.ScenarioID, Allocations: []AllocationDTO{}}
	if err := steps(run); err != nil {
		var verr *ledger.ValidationError
		if !errors.As(err, &verr) {
			h.writeLedgerError(w, err)
			return
		}
		resp.Rejected = &ErrorResponse{
			Error:   "Ledger constraint violated",
			Details: verr.Error(),
			Rule:    string(verr.Rule),
		}
	}

	now := s.Now()
	for _, a := range run.allocations {
		resp.Allocations = append(resp.Allocations, h.units.allocationDTO(a, now, true))
	}
	writeJSON(w, http.StatusOK, resp)
}
