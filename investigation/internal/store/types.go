package store

// Status is the investigation lifecycle state.
type Status string

// Lifecycle states. The only edges are pending → processing →
// {complete, failed}, plus processing → pending via recovery.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Provenance records whether investigated text was independently re-fetched
// from the origin platform or trusted from the client's observation.
type Provenance string

const (
	ProvenanceServerVerified Provenance = "server_verified"
	ProvenanceClientFallback Provenance = "client_fallback"
)

// Post is a user-submitted post from an external platform.
type Post struct {
	ID         string
	Platform   string
	ExternalID string
	URL        string
	Author     string
	Popularity float64
	CreatedAt  int64
	UpdatedAt  int64
}

// PostVersion is one content snapshot of a post. Posts are edited; each
// distinct canonical text gets its own version row.
type PostVersion struct {
	ID          string
	PostID      string
	ContentHash string
	ContentText string
	Provenance  Provenance
	FetchedAt   int64
}

// Investigation is one (post, content-snapshot) pair being or having been
// investigated. Zero-valued nullable timestamps mean "unset".
type Investigation struct {
	ID                    string
	PostID                string
	VersionID             string
	ContentHash           string
	Status                Status
	Provenance            Provenance
	CheckedAt             int64
	ParentInvestigationID string
	ModelVersion          string
	LastError             string
	CreatedAt             int64
	UpdatedAt             int64
}

// Run is the job-execution lease row, exactly one per investigation.
// LeaseOwner == "" means unclaimed.
type Run struct {
	ID              string
	InvestigationID string
	LeaseOwner      string
	LeaseExpiresAt  int64
	RecoverAfterAt  int64
	QueuedAt        int64
	StartedAt       int64
	HeartbeatAt     int64
}

// Recoverable reports whether the run may be forced back to pending:
// either its lease is owned but expired, or it is unowned and the recovery
// cooldown has passed (or was never set). The caller is responsible for
// checking the investigation is still processing.
func (r *Run) Recoverable(nowMilli int64) bool {
	if r.LeaseOwner != "" {
		return r.LeaseExpiresAt != 0 && r.LeaseExpiresAt <= nowMilli
	}
	return r.RecoverAfterAt == 0 || r.RecoverAfterAt <= nowMilli
}

// Claim is one structured claim extracted by the investigator. Immutable
// once written.
type Claim struct {
	ID              string
	InvestigationID string
	Text            string
	Verdict         string
	Confidence      float64
	CreatedAt       int64
	Sources         []ClaimSource
}

// ClaimSource is a supporting citation for a claim.
type ClaimSource struct {
	ID      string
	ClaimID string
	URL     string
	Title   string
	Quote   string
}

// KeySource is the metadata of a credential attached to a run. The
// ciphertext is deliberately absent: callers observing an existing key
// source see only what they need to recognise it.
type KeySource struct {
	RunID       string
	Fingerprint string
	Label       string
	AttachedBy  string
	AttachedAt  int64
	ConsumedAt  int64
}

// AttemptAudit records the outcome of one execution attempt.
type AttemptAudit struct {
	ID              string
	InvestigationID string
	Attempt         int
	Outcome         string
	ErrorText       string
	ModelVersion    string
	StartedAt       int64
	FinishedAt      int64
}

// Candidate is a post whose latest version needs (re)investigation,
// surfaced by the admission selector.
type Candidate struct {
	Post    Post
	Version PostVersion
}
