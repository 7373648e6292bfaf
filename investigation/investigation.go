package investigation

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/hazyhaar/inquest/investigation/internal/store"
	"github.com/hazyhaar/inquest/jobq"
	"github.com/hazyhaar/inquest/observability"
	"github.com/hazyhaar/inquest/vault"
)

// Input is everything the investigator gets about one job.
type Input struct {
	InvestigationID string
	Post            Post
	Content         string
	ContentHash     string
	Provenance      Provenance
	// PriorClaims carries the parent investigation's claims forward when an
	// edited post is re-investigated, so the model can diff against them.
	PriorClaims []Claim
	// Credential is the decrypted user-attached key, if one exists.
	Credential []byte
}

// Result is what a successful investigation produces.
type Result struct {
	Claims       []Claim
	ModelVersion string
}

// Investigator runs the actual LLM investigation. Implementations signal
// retry class by wrapping errors with NonRetryable or Transient; anything
// unwrapped counts as transient.
type Investigator interface {
	Investigate(ctx context.Context, in *Input) (*Result, error)
}

// Refetcher re-fetches canonical post content from its origin platform.
type Refetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Service is the orchestrator. One instance per process; all cross-process
// coordination goes through the store.
type Service struct {
	store        *store.Store
	queue        *jobq.Q
	investigator Investigator
	vault        *vault.Vault
	refetch      Refetcher
	events       *observability.EventLogger
	logger       *slog.Logger
	cfg          Config
}

// Option configures optional collaborators.
type Option func(*Service)

// WithVault enables credential attachment (key sources).
func WithVault(v *vault.Vault) Option {
	return func(s *Service) { s.vault = v }
}

// WithRefetcher enables server-side canonical content verification in the
// admission selector.
func WithRefetcher(r Refetcher) Option {
	return func(s *Service) { s.refetch = r }
}

// WithEvents enables lifecycle event logging.
func WithEvents(l *observability.EventLogger) Option {
	return func(s *Service) { s.events = l }
}

// New creates a Service. The investigator is injected here, per process,
// never as global state.
func New(db *sql.DB, queue *jobq.Q, inv Investigator, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:        store.New(db),
		queue:        queue,
		investigator: inv,
		logger:       logger,
		cfg:          cfg,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.store.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// WorkerID returns the identity this service claims leases under.
func (s *Service) WorkerID() string { return s.cfg.WorkerID }

// Start launches the background loops: the recovery sweeper and the
// admission selector. Job consumption is separate: pass HandleJob to
// jobq.Run with whatever concurrency the deployment wants.
func (s *Service) Start(ctx context.Context) {
	go s.runSweeper(ctx)
	go s.runSelector(ctx)
}

// GetInvestigation returns an investigation with its run, or ErrNotFound.
func (s *Service) GetInvestigation(ctx context.Context, id string) (*Investigation, *Run, error) {
	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if inv == nil {
		return nil, nil, ErrNotFound
	}
	run, err := s.store.GetRunByInvestigation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return inv, run, nil
}

// Claims returns the claims of a completed investigation.
func (s *Service) Claims(ctx context.Context, invID string) ([]Claim, error) {
	return s.store.ClaimsFor(ctx, invID)
}

// Audits returns the attempt history of an investigation.
func (s *Service) Audits(ctx context.Context, invID string) ([]AttemptAudit, error) {
	return s.store.AuditsFor(ctx, invID)
}

// logEvent records a lifecycle event when event logging is wired.
func (s *Service) logEvent(ctx context.Context, e observability.Event) {
	if s.events == nil {
		return
	}
	if e.Worker == "" {
		e.Worker = s.cfg.WorkerID
	}
	s.events.Log(ctx, e)
}
