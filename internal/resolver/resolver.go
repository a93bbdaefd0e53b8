package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"scoperoute/internal/knowledge"
	"scoperoute/internal/retrieval"
	"scoperoute/internal/taxonomy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold is the confidence below which corroborating context is fetched.
const DefaultThreshold = 0.7

// DefaultClarification is asked when no scope matched and no composer ran.
const DefaultClarification = "Could you specify which scope your question is about?"

// ErrResolutionFailed wraps every collaborator failure surfaced by the resolver.
var ErrResolutionFailed = errors.New("scope resolution failed")

// Fanout selects which cube retrievers RetrieveContext queries.
type Fanout string

const (
	// FanoutAll queries every cube of the taxonomy, whatever scope was resolved.
	FanoutAll Fanout = "all"
	// FanoutResolved queries only the cubes of the resolved scope.
	FanoutResolved Fanout = "resolved"
)

type Options struct {
	// Threshold gates retrieval: it runs when Confidence < Threshold.
	Threshold             float64
	VisualizationKeywords []string
	Fanout                Fanout
	// Parallel fans retrieval out concurrently. Passages are still
	// concatenated in retriever order.
	Parallel    bool
	MaxParallel int
	Logger      *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Threshold:             DefaultThreshold,
		VisualizationKeywords: DefaultVisualizationKeywords,
		Fanout:                FanoutAll,
	}
}

// Resolver maps questions to taxonomy scopes. It holds no per-question state
// and is safe for concurrent use.
type Resolver struct {
	table      *taxonomy.Table
	retrievers []retrieval.Binding
	composer   knowledge.Composer
	prompts    *knowledge.PromptBuilder
	opts       Options
	log        *zap.Logger
}

// New builds a resolver. retrievers may be empty and composer may be nil;
// the matching stages then have nothing to call.
func New(table *taxonomy.Table, retrievers []retrieval.Binding, composer knowledge.Composer, opts Options) (*Resolver, error) {
	if table == nil {
		return nil, fmt.Errorf("taxonomy table is required")
	}
	if math.IsNaN(opts.Threshold) || opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0, 1], got %v", opts.Threshold)
	}
	switch opts.Fanout {
	case "":
		opts.Fanout = FanoutAll
	case FanoutAll, FanoutResolved:
	default:
		return nil, fmt.Errorf("unknown fanout mode %q", opts.Fanout)
	}
	if opts.VisualizationKeywords == nil {
		opts.VisualizationKeywords = DefaultVisualizationKeywords
	}
	keywords := make([]string, 0, len(opts.VisualizationKeywords))
	for _, kw := range opts.VisualizationKeywords {
		keywords = append(keywords, strings.ToLower(kw))
	}
	opts.VisualizationKeywords = keywords

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Resolver{
		table:      table,
		retrievers: slices.Clone(retrievers),
		composer:   composer,
		prompts:    &knowledge.PromptBuilder{},
		opts:       opts,
		log:        log,
	}, nil
}

// Resolve runs the full workflow: Identify, then RetrieveContext when the
// confidence is below the threshold, then ComposeClarification when no scope
// was found. On failure the returned State is zero; nothing partial escapes.
func (r *Resolver) Resolve(ctx context.Context, question string) (State, error) {
	s := r.Identify(question)

	if !r.belowThreshold(s.Confidence) {
		r.log.Debug("gate: confident, skipping retrieval", zap.Float64("confidence", s.Confidence))
		return s, nil
	}

	s, err := r.RetrieveContext(ctx, s)
	if err != nil {
		return State{}, err
	}

	if !s.NeedsClarification {
		return s, nil
	}

	s, err = r.ComposeClarification(ctx, s)
	if err != nil {
		return State{}, err
	}
	return s, nil
}

func (r *Resolver) belowThreshold(confidence float64) bool {
	return confidence < r.opts.Threshold
}

// Identify classifies the question against the taxonomy without any I/O.
// Precedence: explicit "scope <name>" reference, then keyword overlap, then
// a request for clarification. Visualization intent is detected on every path.
func (r *Resolver) Identify(question string) State {
	lower := strings.ToLower(question)
	s := State{
		Question:        question,
		IsVisualization: detectVisualization(lower, r.opts.VisualizationKeywords),
	}
	s = s.record(StageIdentify)

	for _, ref := range explicitScopeRefs(question) {
		scope, ok := r.table.Lookup(ref)
		if !ok {
			continue
		}
		s.Scope = scope.ID
		s.Cubes = scope.Cubes
		s.Confidence = 1.0
		s.Match = MatchExplicit
		r.log.Debug("identified explicit scope", zap.String("scope", s.Scope))
		return s
	}

	if scope, score, ok := keywordWinner(r.table, lower); ok {
		s.Scope = scope.ID
		s.Cubes = slices.Clone(scope.Cubes)
		s.Confidence = float64(score) / float64(len(scope.Keywords))
		s.Match = MatchKeyword
		r.log.Debug("identified scope by keywords",
			zap.String("scope", s.Scope),
			zap.Int("matched", score),
			zap.Int("known", len(scope.Keywords)),
			zap.Float64("confidence", s.Confidence))
		return s
	}

	s.Match = MatchNone
	s.NeedsClarification = true
	s.ClarificationQuestion = r.defaultClarification()
	r.log.Debug("no scope matched")
	return s
}

func (r *Resolver) defaultClarification() string {
	return fmt.Sprintf("%s Available scopes: %s.", DefaultClarification, strings.Join(r.table.IDs(), ", "))
}

// RetrieveContext gathers passages for the question from the configured cube
// retrievers. It does nothing when the state already needs clarification.
// Any retriever failure fails the stage; there is no per-retriever isolation.
func (r *Resolver) RetrieveContext(ctx context.Context, s State) (State, error) {
	if s.NeedsClarification {
		return s, nil
	}

	targets := r.targets(s)
	r.log.Debug("retrieving context",
		zap.Int("retrievers", len(targets)),
		zap.String("fanout", string(r.opts.Fanout)),
		zap.Bool("parallel", r.opts.Parallel))

	passages, err := r.gather(ctx, s.Question, targets)
	if err != nil {
		return State{}, fmt.Errorf("%w: %s: %w", ErrResolutionFailed, StageRetrieveContext, err)
	}

	s.Context = passages
	return s.record(StageRetrieveContext), nil
}

func (r *Resolver) targets(s State) []retrieval.Binding {
	if r.opts.Fanout != FanoutResolved {
		return r.retrievers
	}
	var out []retrieval.Binding
	for _, b := range r.retrievers {
		if slices.Contains(s.Cubes, b.Cube) {
			out = append(out, b)
		}
	}
	return out
}

// gather queries every target and concatenates the results in target order.
// In parallel mode each retriever writes its own slot, so the order is the
// same as a sequential sweep.
func (r *Resolver) gather(ctx context.Context, question string, targets []retrieval.Binding) ([]knowledge.Passage, error) {
	results := make([][]knowledge.Passage, len(targets))

	if r.opts.Parallel && len(targets) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		if r.opts.MaxParallel > 0 {
			g.SetLimit(r.opts.MaxParallel)
		}
		for i, b := range targets {
			g.Go(func() error {
				passages, err := b.Retriever.Retrieve(gctx, question)
				if err != nil {
					return fmt.Errorf("cube %s: %w", b.Cube, err)
				}
				results[i] = passages
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, b := range targets {
			passages, err := b.Retriever.Retrieve(ctx, question)
			if err != nil {
				return nil, fmt.Errorf("cube %s: %w", b.Cube, err)
			}
			results[i] = passages
		}
	}

	total := 0
	for _, p := range results {
		total += len(p)
	}
	out := make([]knowledge.Passage, 0, total)
	for _, p := range results {
		out = append(out, p...)
	}
	return out, nil
}

// ComposeClarification asks the composer for a follow-up question built from
// the question and the gathered context. The reply is stored unmodified.
// Without a composer the default clarification is kept.
func (r *Resolver) ComposeClarification(ctx context.Context, s State) (State, error) {
	if !s.NeedsClarification {
		return s, nil
	}
	if r.composer == nil {
		r.log.Debug("no composer configured, keeping default clarification")
		return s, nil
	}

	prompt, err := r.prompts.BuildClarificationPrompt(s.Question, s.Context)
	if err != nil {
		return State{}, fmt.Errorf("%w: %s: %w", ErrResolutionFailed, StageComposeClarification, err)
	}
	text, err := r.composer.Compose(ctx, prompt)
	if err != nil {
		return State{}, fmt.Errorf("%w: %s: %w", ErrResolutionFailed, StageComposeClarification, err)
	}

	s.ClarificationQuestion = text
	return s.record(StageComposeClarification), nil
}
