package orchestrator

import "fmt"

// NotFoundError indicates an unknown agent id.
type NotFoundError struct {
	AgentID string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("agent %s not found", e.AgentID) }

// TransitionError rejects an illegal lifecycle transition.
type TransitionError struct {
	AgentID string
	From    string
	To      string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("agent %s: illegal transition %s -> %s", e.AgentID, e.From, e.To)
}

// SpawnError wraps a failed spawn. When the sandbox failed after the token
// was minted, OrphanedTokenID names the token left behind; it stays valid
// until revoked explicitly or swept by CleanupOrphans.
type SpawnError struct {
	OrphanedTokenID string
	Err             error
}

func (e *SpawnError) Error() string {
	if e.OrphanedTokenID != "" {
		return fmt.Sprintf("spawn failed (token %s left unbound): %v", e.OrphanedTokenID, e.Err)
	}
	return fmt.Sprintf("spawn failed: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
