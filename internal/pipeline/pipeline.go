// Package pipeline builds enriched, paginated CRM feeds.
//
// Every feed runs the same stages in sequence: a paginated search for one
// owner's records, batch hydration of the matching IDs, association
// resolution to contacts, companies and deals, and a join that hydrates each
// referenced contact or deal once and attaches it to every record that
// references it. Within a stage, upstream calls fan out through a shared
// limiter and the stage waits for all of them before the next one starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnwards/leadfeed/internal/domain"
	"github.com/johnwards/leadfeed/internal/limiter"
	"github.com/johnwards/leadfeed/internal/session"
	"github.com/johnwards/leadfeed/internal/timerange"
)

// Batch ceilings of the CRM API.
const (
	DefaultBatchSize            = 100
	DefaultAssociationBatchSize = 1000
)

// ErrNoOwner is returned when a feed is requested without an explicit owner
// and without a session identity to resolve one from.
var ErrNoOwner = errors.New("no owner to query for")

// CRM is the subset of the CRM API the pipeline reads from.
type CRM interface {
	Search(ctx context.Context, objectType string, req *domain.SearchRequest) (*domain.SearchResult, error)
	BatchRead(ctx context.Context, objectType string, ids, properties []string) ([]*domain.Object, error)
	BatchReadAssociations(ctx context.Context, fromType, toType string, ids []string) (map[string][]domain.RecordStub, error)
}

// OwnerResolver maps the session user's email to a CRM owner ID.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, email string) (string, error)
}

// Stage names one step of the pipeline.
type Stage string

// Pipeline stages.
const (
	StageSearch    Stage = "search"
	StageHydrate   Stage = "hydrate"
	StageAssociate Stage = "associate"
	StageJoin      Stage = "join"
)

// FailureMode decides what a stage failure does to the invocation.
type FailureMode int

const (
	// Fatal fails the whole invocation.
	Fatal FailureMode = iota
	// Degrade logs the failure and continues with an empty stage result.
	Degrade
)

func (m FailureMode) String() string {
	switch m {
	case Fatal:
		return "fatal"
	case Degrade:
		return "degrade"
	}
	return fmt.Sprintf("FailureMode(%d)", int(m))
}

// Policy assigns a FailureMode to each stage.
type Policy struct {
	Search    FailureMode
	Hydrate   FailureMode
	Associate FailureMode
	Join      FailureMode
}

// DefaultPolicy treats the primary records as essential and association
// enrichment as best-effort.
func DefaultPolicy() Policy {
	return Policy{
		Search:    Fatal,
		Hydrate:   Fatal,
		Associate: Degrade,
		Join:      Fatal,
	}
}

// Mode returns the FailureMode of s.
func (p Policy) Mode(s Stage) FailureMode {
	switch s {
	case StageSearch:
		return p.Search
	case StageHydrate:
		return p.Hydrate
	case StageAssociate:
		return p.Associate
	case StageJoin:
		return p.Join
	}
	return Fatal
}

// Options configures a Pipeline.
type Options struct {
	// Limiter gates every upstream call. Share one across pipelines to
	// throttle the whole process; nil creates a private one.
	Limiter *limiter.Limiter

	// Owners resolves the session user to an owner ID. Nil means an explicit
	// owner is required on every query.
	Owners OwnerResolver

	// Ranges turns selectors into bounds. Nil uses UTC and the wall clock.
	Ranges *timerange.Resolver

	// Policy overrides DefaultPolicy.
	Policy *Policy

	BatchSize            int
	AssociationBatchSize int

	Logger *slog.Logger
}

// Pipeline runs feeds against a CRM. It holds no per-invocation state and is
// safe for concurrent use.
type Pipeline struct {
	crm       CRM
	limiter   *limiter.Limiter
	owners    OwnerResolver
	ranges    *timerange.Resolver
	policy    Policy
	batchSize int
	assocSize int
	logger    *slog.Logger
}

// New returns a Pipeline reading from crm.
func New(crm CRM, opts Options) *Pipeline {
	p := &Pipeline{
		crm:       crm,
		limiter:   opts.Limiter,
		owners:    opts.Owners,
		ranges:    opts.Ranges,
		policy:    DefaultPolicy(),
		batchSize: opts.BatchSize,
		assocSize: opts.AssociationBatchSize,
		logger:    opts.Logger,
	}
	if p.limiter == nil {
		p.limiter = limiter.New(limiter.DefaultConcurrency)
	}
	if p.ranges == nil {
		p.ranges = timerange.NewResolver(time.UTC)
	}
	if opts.Policy != nil {
		p.policy = *opts.Policy
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.assocSize <= 0 {
		p.assocSize = DefaultAssociationBatchSize
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Query selects one page of a feed.
type Query struct {
	// OwnerID overrides the session owner when set.
	OwnerID string
	// TimeRange is a timerange selector such as "weekly".
	TimeRange string
	// From and To, when set, replace the selector with explicit bounds.
	From time.Time
	To   time.Time
	// After is the cursor from the previous page, empty for the first page.
	After string
}

// LeadsBatchActivities returns one page of the owner's engagement feed.
func (p *Pipeline) LeadsBatchActivities(ctx context.Context, timeRange, after, ownerID string) (*domain.Page, error) {
	return p.Run(ctx, Engagements, Query{OwnerID: ownerID, TimeRange: timeRange, After: after})
}

// UserBatchTasks returns one page of the owner's tasks. Non-zero from/to
// replace the time-range selector.
func (p *Pipeline) UserBatchTasks(ctx context.Context, timeRange, after string, from, to time.Time, ownerID string) (*domain.Page, error) {
	return p.Run(ctx, Tasks, Query{OwnerID: ownerID, TimeRange: timeRange, From: from, To: to, After: after})
}

// OwnerDeals returns one page of the owner's deals with their contacts.
func (p *Pipeline) OwnerDeals(ctx context.Context, timeRange, after, ownerID string) (*domain.Page, error) {
	return p.Run(ctx, Deals, Query{OwnerID: ownerID, TimeRange: timeRange, After: after})
}

func (p *Pipeline) resolveOwner(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	email := session.Email(ctx)
	if email == "" || p.owners == nil {
		return "", ErrNoOwner
	}
	id, err := p.owners.ResolveOwner(ctx, email)
	if err != nil {
		return "", fmt.Errorf("resolve owner for %s: %w", email, err)
	}
	if id == "" {
		return "", ErrNoOwner
	}
	return id, nil
}

// fail applies the stage's FailureMode to err. It returns nil when the
// failure is degraded. Cancellation of the caller is never degraded.
func (p *Pipeline) fail(ctx context.Context, stage Stage, err error, attrs ...any) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if p.policy.Mode(stage) == Fatal {
		return err
	}
	p.logger.Warn("stage degraded", append([]any{"stage", string(stage), "error", err}, attrs...)...)
	return nil
}
