package agent

import (
	"sync"

	"parley/internal/acp"
)

// PermissionRequest is a deferred decision handed to the UI surface. The
// agent's session/request_permission call stays blocked until exactly one
// of Resolve or Cancel runs. The resolution is single-assignment: later
// calls are no-ops, which tolerates a user choice racing a teardown.
type PermissionRequest struct {
	// Title describes the tool call awaiting permission, when known.
	Title string
	// Options preserve the agent's order.
	Options []acp.PermissionOption

	once sync.Once
	ch   chan acp.RequestPermissionOutcome
}

func newPermissionRequest(title string, options []acp.PermissionOption) *PermissionRequest {
	return &PermissionRequest{
		Title:   title,
		Options: options,
		ch:      make(chan acp.RequestPermissionOutcome, 1),
	}
}

// Resolve answers the request with the chosen option id.
func (r *PermissionRequest) Resolve(optionID string) {
	r.once.Do(func() {
		r.ch <- acp.SelectedOutcome(optionID)
	})
}

// Cancel answers the request with a cancelled outcome. Used when the prompt
// is dismissed or the UI surface is torn down; the agent's call is never
// left unresolved.
func (r *PermissionRequest) Cancel() {
	r.once.Do(func() {
		r.ch <- acp.CancelledOutcome()
	})
}

// outcome blocks until the request is resolved.
func (r *PermissionRequest) outcome() acp.RequestPermissionOutcome {
	return <-r.ch
}
