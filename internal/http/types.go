package http

import (
	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version,omitempty"`
	ActiveRuns int    `json:"active_runs"`
}

// SubmitRequest is the request body for POST /api/v1/runs.
type SubmitRequest struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

type SubmitResponse struct {
	RunID string `json:"run_id"`
}

type ListResponse struct {
	Runs []runstore.Run `json:"runs"`
}

// TraceResponse is the response body for GET /api/v1/runs/:id/trace.
type TraceResponse struct {
	Run     runstore.Run           `json:"run"`
	Events  []events.TraceEvent    `json:"events"`
	Results []pipeline.StageResult `json:"results"`
}

type CancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

// StreamMessage is one websocket frame of a run stream. Type is "event"
// with Event set, "status" with Run set once the run is terminal, or "pong".
type StreamMessage struct {
	Type  string             `json:"type"`
	Event *events.TraceEvent `json:"event,omitempty"`
	Run   *runstore.Run      `json:"run,omitempty"`
}
