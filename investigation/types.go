// Package investigation orchestrates LLM investigations of fetched posts:
// the job lifecycle state machine, lease claiming and recovery,
// heartbeating, retry classification, and multi-caller intake convergence.
//
// There is no in-process lock anywhere in this package. All coordination
// between workers and callers happens through the store's guarded updates:
// every state change names the state it expects to replace, and losing that
// race is a normal outcome, not an error.
package investigation

import "github.com/hazyhaar/inquest/investigation/internal/store"

// Re-export store types for the public API.
type (
	Status        = store.Status
	Provenance    = store.Provenance
	Post          = store.Post
	PostVersion   = store.PostVersion
	Investigation = store.Investigation
	Run           = store.Run
	Claim         = store.Claim
	ClaimSource   = store.ClaimSource
	KeySource     = store.KeySource
	AttemptAudit  = store.AttemptAudit
	Candidate     = store.Candidate
)

// Lifecycle states.
const (
	StatusPending    = store.StatusPending
	StatusProcessing = store.StatusProcessing
	StatusComplete   = store.StatusComplete
	StatusFailed     = store.StatusFailed
)

// Content provenance.
const (
	ProvenanceServerVerified = store.ProvenanceServerVerified
	ProvenanceClientFallback = store.ProvenanceClientFallback
)
