// Package rpc is the daemon's command surface. A single POST /rpc
// endpoint dispatches {id, cmd, params} envelopes against the router;
// the same router serves the model's in-process apc tool calls, so the
// CLI, external agents, and the coordinator all speak one protocol.
// GET /events bridges the broadcast stream onto SSE.
package rpc

import (
	"errors"

	"github.com/apc-dev/apc/internal/fault"
)

// Request is one command envelope. ID is caller-chosen and echoed back;
// the router assigns a UUID when it is empty.
type Request struct {
	ID     string         `json:"id,omitempty"`
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is the reply envelope. Error carries the stable fault code
// when Success is false; Message carries the human recovery text.
type Response struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err converts a failed response back into an error on the client side.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Message != "" {
		return errors.New(r.Error + ": " + r.Message)
	}
	return errors.New(r.Error)
}

// failure maps an error onto the reply envelope by its fault kind.
// Every kind that escapes a handler surfaces as success:false with the
// kind's wire code; the one queue-silently kind (agent shortage) never
// reaches this boundary because the orchestrator parks those requests.
func failure(id string, err error) Response {
	return Response{
		ID:      id,
		Success: false,
		Error:   fault.KindOf(err).Code(),
		Message: err.Error(),
	}
}
