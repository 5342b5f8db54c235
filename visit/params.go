// Package visit derives the parameters of a streaming visit from a query and
// defines the contract between the search engine and a visit transport.
package visit

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/selection"
	"github.com/poiesic/streamvisit/tracing"
)

// Priority is the scheduling priority of a visit on the storage nodes.
type Priority int

const (
	PriorityHighest Priority = iota
	PriorityVeryHigh
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityVeryLow
	PriorityLowest
)

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "highest"
	case PriorityVeryHigh:
		return "very_high"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityVeryLow:
		return "very_low"
	case PriorityLowest:
		return "lowest"
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityHighest; p <= PriorityLowest; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

const (
	// DefaultPriority is the priority of streaming search visits.
	DefaultPriority = PriorityVeryHigh

	// DefaultMaxBucketsPerVisitor bounds how many buckets one visitor scans.
	DefaultMaxBucketsPerVisitor = 1

	// DefaultBucketSpace is used when a route names no bucket space.
	DefaultBucketSpace = "default"
)

// Route identifies the content cluster a visit is sent to.
type Route struct {
	Cluster     string
	BucketSpace string
}

// ParseRoute parses "<cluster>" or "<cluster>/<bucket space>".
func ParseRoute(s string) (Route, error) {
	cluster, space, hasSpace := strings.Cut(strings.TrimSpace(s), "/")
	if cluster == "" {
		return Route{}, fmt.Errorf("%w: %q: empty cluster", ErrInvalidRoute, s)
	}
	if !hasSpace {
		space = DefaultBucketSpace
	} else if space == "" || strings.Contains(space, "/") {
		return Route{}, fmt.Errorf("%w: %q: bad bucket space", ErrInvalidRoute, s)
	}
	return Route{Cluster: cluster, BucketSpace: space}, nil
}

func (r Route) String() string {
	return r.Cluster + "/" + r.BucketSpace
}

// Parameters are the immutable wire parameters of one visit.
type Parameters struct {
	Selection            string
	Schema               string
	FieldSet             string
	Priority             Priority
	MaxBucketsPerVisitor int
	RankProfile          string
	RankProperties       []byte // EncodeRankProperties block
	SortSpec             []byte // EncodeSortSpec block, nil when unsorted
	GroupingSpec         []byte // EncodeGroupingRequests block, nil without grouping
	SummaryCount         int    // offset + hits
	SummaryFields        []string
	TraceLevel           int
	VisitorTimeout       time.Duration
	SessionTimeout       time.Duration
	Route                Route
}

// Sorted reports whether hits are ordered by sort key rather than rank.
func (p *Parameters) Sorted() bool {
	return len(p.SortSpec) > 0
}

// Builder derives visit Parameters from queries.
type Builder struct {
	priority             Priority
	maxBucketsPerVisitor int
	tracing              tracing.Options
	clock                tracing.Clock
	logger               *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder) error

// WithPriority sets the visit priority.
// Default is DefaultPriority.
func WithPriority(p Priority) BuilderOption {
	return func(b *Builder) error {
		if p < PriorityHighest || p > PriorityLowest {
			return fmt.Errorf("priority out of range: %d", p)
		}
		b.priority = p
		return nil
	}
}

// WithMaxBucketsPerVisitor sets how many buckets a single visitor may scan.
// Default is DefaultMaxBucketsPerVisitor.
func WithMaxBucketsPerVisitor(n int) BuilderOption {
	return func(b *Builder) error {
		if n <= 0 {
			return fmt.Errorf("max buckets per visitor must be positive, got %d", n)
		}
		b.maxBucketsPerVisitor = n
		return nil
	}
}

// WithTracingOptions sets the trace sampling options.
// Default is tracing.DefaultOptions().
func WithTracingOptions(opts tracing.Options) BuilderOption {
	return func(b *Builder) error {
		b.tracing = opts
		return nil
	}
}

// WithBuilderClock sets the clock used to compute remaining time.
// Default is time.Now.
func WithBuilderClock(clock tracing.Clock) BuilderOption {
	return func(b *Builder) error {
		if clock == nil {
			clock = time.Now
		}
		b.clock = clock
		return nil
	}
}

// WithBuilderLogger sets a custom logger.
// Default is slog.Default().
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// NewBuilder creates a parameter builder.
func NewBuilder(opts ...BuilderOption) (*Builder, error) {
	b := &Builder{
		priority:             DefaultPriority,
		maxBucketsPerVisitor: DefaultMaxBucketsPerVisitor,
		tracing:              tracing.DefaultOptions(),
		clock:                time.Now,
		logger:               slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Build derives the parameters for visiting schema on route. Every failure is
// a validation error: an *core.ExecutionError of kind core.KindValidation.
func (b *Builder) Build(q *core.Query, schema string, route Route) (*Parameters, error) {
	if err := core.ValidateQuery(q); err != nil {
		return nil, core.NewExecutionError(core.KindValidation, err, "%s", err.Error())
	}
	if schema == "" {
		return nil, core.NewExecutionError(core.KindValidation, ErrSchemaRequired, "%s", ErrSchemaRequired.Error())
	}

	constraint, err := Constraint(q)
	if err != nil {
		return nil, core.NewExecutionError(core.KindValidation, err, "%s", err.Error())
	}
	sel := schema
	if constraint != "" {
		sel = schema + " and ( " + constraint + " )"
	}
	if _, err := selection.Parse(sel); err != nil {
		return nil, core.NewExecutionError(core.KindValidation, err, "invalid selection %q: %s", sel, err.Error())
	}

	timeLeft := q.TimeLeft(b.clock())
	p := &Parameters{
		Selection:            sel,
		Schema:               schema,
		FieldSet:             fieldSet(schema, q.SummaryFields),
		Priority:             b.priority,
		MaxBucketsPerVisitor: b.maxBucketsPerVisitor,
		RankProfile:          q.Ranking.Profile,
		RankProperties:       EncodeRankProperties(q.Ranking.Properties),
		SummaryCount:         q.Offset + q.Hits,
		SummaryFields:        q.SummaryFields,
		TraceLevel:           b.tracing.EffectiveTraceLevel(q.TraceLevel, q.LocationConstrained()),
		VisitorTimeout:       timeLeft,
		SessionTimeout:       timeLeft,
		Route:                route,
	}
	if len(q.Sort) > 0 {
		p.SortSpec = EncodeSortSpec(q.Sort)
	}
	if len(q.Grouping) > 0 {
		p.GroupingSpec = EncodeGroupingRequests(q.Grouping)
	}

	b.logger.Debug("built visit parameters",
		"selection", p.Selection,
		"summaryCount", p.SummaryCount,
		"traceLevel", p.TraceLevel,
		"route", p.Route.String())
	return p, nil
}

// Constraint resolves the selection constraint of a query: id.user==<key>,
// id.group=="<name>" or the raw selection expression. Exactly one of the
// three query fields must be set.
func Constraint(q *core.Query) (string, error) {
	set := 0
	for _, s := range []string{q.UserID, q.GroupName, q.Selection} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return "", ErrSelectionCardinality
	}

	switch {
	case q.UserID != "":
		if _, err := strconv.ParseUint(q.UserID, 10, 64); err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidUserID, q.UserID)
		}
		return "id.user==" + q.UserID, nil
	case q.GroupName != "":
		return "id.group==" + strconv.Quote(q.GroupName), nil
	default:
		return q.Selection, nil
	}
}

func fieldSet(schema string, fields []string) string {
	if len(fields) == 0 {
		return schema + ":[document]"
	}
	return schema + ":" + strings.Join(fields, ",")
}
