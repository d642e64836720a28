/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Plans, runs and
  distributions are served in their engine form; the types here wrap them
  where the API adds or drops fields.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/factory"
	"github.com/warp/vialfix/report"
)

// HealthResponse reports liveness and what the server reconciles.
type HealthResponse struct {
	Status        string `json:"status"`
	Table         string `json:"table"`
	PolicyVersion string `json:"policy_version"`
	Running       bool   `json:"running"`
}

// PolicyDTO is the active policy in file form plus its windows.
type PolicyDTO struct {
	factory.PolicyFile
	Windows []WindowDTO `json:"windows"`
}

// WindowDTO is the date interval the policy assigns to one vial.
type WindowDTO struct {
	Vial  engine.VialID `json:"vial"`
	Start string        `json:"start,omitempty"`
	End   string        `json:"end,omitempty"`
}

// DistributionResponse is the before/after view of a plan.
type DistributionResponse struct {
	PolicyVersion string              `json:"policy_version"`
	DryStock      []engine.VialID     `json:"dry_stock"`
	Current       engine.Distribution `json:"current"`
	Expected      engine.Distribution `json:"expected"`
	Changes       int                 `json:"changes"`
}

// ApplyRequest starts a run. DryRun defaults to true when omitted.
type ApplyRequest struct {
	DryRun *bool `json:"dry_run"`
}

// ApplyResponse is the run document.
type ApplyResponse = report.Document

// LoadScenarioRequest seeds the local table.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	Reset      bool   `json:"reset"`
}

// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPolicyDTO(p engine.Policy) PolicyDTO {
	dto := PolicyDTO{PolicyFile: factory.NewPolicyFactory().ToFile(p), Windows: []WindowDTO{}}
	for _, id := range p.Targets() {
		w, _ := p.WindowFor(id)
		dto.Windows = append(dto.Windows, WindowDTO{Vial: id, Start: w.Start, End: w.End})
	}
	return dto
}

func toDistributionResponse(plan *engine.Plan) DistributionResponse {
	return DistributionResponse{
		PolicyVersion: plan.PolicyVersion,
		DryStock:      plan.DryStock,
		Current:       plan.Current,
		Expected:      plan.Expected,
		Changes:       len(plan.Changes),
	}
}
