package resolver

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scoperoute/internal/knowledge"
	"scoperoute/internal/retrieval"
	"scoperoute/internal/taxonomy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeRetriever struct {
	cube  string
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string) ([]knowledge.Passage, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []knowledge.Passage{{ID: f.cube + "-1", Cube: f.cube, Text: "evidence from " + f.cube}}, nil
}

type fakeComposer struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (c *fakeComposer) Compose(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	return c.reply, c.err
}

func (c *fakeComposer) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

type fixture struct {
	table      *taxonomy.Table
	retrievers map[string]*fakeRetriever
	bindings   []retrieval.Binding
	composer   *fakeComposer
}

func newFixture(t *testing.T, scopes ...taxonomy.Scope) *fixture {
	t.Helper()
	tbl, err := taxonomy.New(scopes)
	require.NoError(t, err)

	f := &fixture{
		table:      tbl,
		retrievers: make(map[string]*fakeRetriever),
		composer:   &fakeComposer{reply: "Which department's budget do you mean?"},
	}
	for _, cube := range tbl.Cubes() {
		r := &fakeRetriever{cube: cube}
		f.retrievers[cube] = r
		f.bindings = append(f.bindings, retrieval.Binding{Cube: cube, Retriever: r})
	}
	return f
}

func (f *fixture) resolver(t *testing.T, mutate ...func(*Options)) *Resolver {
	t.Helper()
	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	r, err := New(f.table, f.bindings, f.composer, opts)
	require.NoError(t, err)
	return r
}

func (f *fixture) retrieverCalls() int {
	n := 0
	for _, r := range f.retrievers {
		n += int(r.calls.Load())
	}
	return n
}

func financeOnly(t *testing.T) *fixture {
	return newFixture(t, taxonomy.Scope{
		ID:       "finance",
		Cubes:    []string{"budget"},
		Keywords: []string{"cost", "budget", "expense"},
	})
}

func financeAndHR(t *testing.T) *fixture {
	return newFixture(t,
		taxonomy.Scope{ID: "hr", Cubes: []string{"payroll", "hiring"}, Keywords: []string{"salary", "employee", "recruitment", "payroll"}},
		taxonomy.Scope{ID: "finance", Cubes: []string{"budget"}, Keywords: []string{"cost", "budget", "expense"}},
		taxonomy.Scope{ID: "human_resources", Cubes: []string{"training"}, Keywords: []string{"training"}},
	)
}

// --- Identify ---

func TestIdentify_ExplicitScope(t *testing.T) {
	f := financeAndHR(t)
	r := f.resolver(t)

	cases := []struct {
		question string
		scope    string
		cubes    []string
	}{
		{"scope Finance please", "finance", []string{"budget"}},
		{"SCOPE hr: how many hires?", "hr", []string{"payroll", "hiring"}},
		{"Dans le scopé finance, quel coût ?", "finance", []string{"budget"}},
		{"scope human_resources training plan", "human_resources", []string{"training"}},
		{"scope weather then scope hr", "hr", []string{"payroll", "hiring"}},
		{"scope hr budget cost expense", "hr", []string{"payroll", "hiring"}},
	}

	for _, tc := range cases {
		t.Run(tc.question, func(t *testing.T) {
			s := r.Identify(tc.question)
			assert.Equal(t, tc.scope, s.Scope)
			assert.Equal(t, tc.cubes, s.Cubes)
			assert.Equal(t, 1.0, s.Confidence)
			assert.Equal(t, MatchExplicit, s.Match)
			assert.False(t, s.NeedsClarification)
			assert.Empty(t, s.ClarificationQuestion)
			assert.Empty(t, s.Context)
		})
	}
	assert.Zero(t, f.retrieverCalls())
	assert.Zero(t, f.composer.calls())
}

func TestIdentify_ScopeWordNeedsBoundary(t *testing.T) {
	r := financeAndHR(t).resolver(t)

	s := r.Identify("telescope finance")
	assert.Equal(t, MatchNone, s.Match)
}

func TestIdentify_KeywordConfidenceIsFractionOfScopeVocabulary(t *testing.T) {
	r := financeAndHR(t).resolver(t)

	s := r.Identify("What is the salary of each employee?")
	assert.Equal(t, "hr", s.Scope)
	assert.Equal(t, []string{"payroll", "hiring"}, s.Cubes)
	assert.Equal(t, MatchKeyword, s.Match)
	assert.InDelta(t, 2.0/4.0, s.Confidence, 1e-9)
	assert.False(t, s.NeedsClarification)
}

func TestIdentify_HighestScoreWins(t *testing.T) {
	r := financeAndHR(t).resolver(t)

	// hr: salary (1/4); finance: cost, budget (2/3)
	s := r.Identify("salary cost against the budget")
	assert.Equal(t, "finance", s.Scope)
	assert.InDelta(t, 2.0/3.0, s.Confidence, 1e-9)
}

func TestIdentify_TieGoesToFirstDefinedScope(t *testing.T) {
	r := financeAndHR(t).resolver(t)

	// one hit each for hr (4 keywords) and finance (3 keywords)
	s := r.Identify("salary budget")
	assert.Equal(t, "hr", s.Scope)
	assert.InDelta(t, 0.25, s.Confidence, 1e-9)

	reordered := newFixture(t,
		taxonomy.Scope{ID: "finance", Cubes: []string{"budget"}, Keywords: []string{"cost", "budget", "expense"}},
		taxonomy.Scope{ID: "hr", Cubes: []string{"payroll"}, Keywords: []string{"salary", "employee", "recruitment", "payroll"}},
	).resolver(t)
	assert.Equal(t, "finance", reordered.Identify("salary budget").Scope)
}

func TestIdentify_NoMatch(t *testing.T) {
	r := financeAndHR(t).resolver(t)

	for _, q := range []string{"what is the weather", ""} {
		s := r.Identify(q)
		assert.True(t, s.NeedsClarification)
		assert.Empty(t, s.Scope)
		assert.Empty(t, s.Cubes)
		assert.Zero(t, s.Confidence)
		assert.Equal(t, MatchNone, s.Match)
		assert.Contains(t, s.ClarificationQuestion, DefaultClarification)
		assert.Contains(t, s.ClarificationQuestion, "hr, finance, human_resources")
	}
}

func TestIdentify_Visualization(t *testing.T) {
	r := financeOnly(t).resolver(t)

	cases := map[string]bool{
		"show me the budget report":             false,
		"Draw a GRAPH of the budget":            true,
		"budget trend over five years":          true,
		"répartition des coûts par service":     true,
		"scope finance: distribution of spend":  true,
		"what is the weather, as a diagram":     true,
		"comparaison des dépenses 2023 et 2024": true,
	}
	for q, want := range cases {
		assert.Equal(t, want, r.Identify(q).IsVisualization, q)
	}

	// visualization never short-circuits resolution
	s := r.Identify("scope finance: distribution of spend")
	assert.Equal(t, "finance", s.Scope)
	assert.Equal(t, 1.0, s.Confidence)
}

func TestIdentify_CustomVisualizationKeywords(t *testing.T) {
	r := financeOnly(t).resolver(t, func(o *Options) {
		o.VisualizationKeywords = []string{"Camembert"}
	})
	assert.True(t, r.Identify("un camembert du budget").IsVisualization)
	assert.False(t, r.Identify("a graph of the budget").IsVisualization)
}

func TestIdentify_Deterministic(t *testing.T) {
	r := financeAndHR(t).resolver(t)

	for _, q := range []string{"scope finance", "salary budget trend", "nothing here"} {
		assert.Equal(t, r.Identify(q), r.Identify(q))
	}
}

// --- Gate A ---

func TestGate_ThresholdIsStrict(t *testing.T) {
	r := financeOnly(t).resolver(t)
	assert.False(t, r.belowThreshold(0.7))
	assert.True(t, r.belowThreshold(0.699999))
	assert.False(t, r.belowThreshold(1.0))
}

func TestResolve_ConfidenceExactlyAtThresholdSkipsRetrieval(t *testing.T) {
	f := newFixture(t, taxonomy.Scope{
		ID:    "ops",
		Cubes: []string{"incidents"},
		Keywords: []string{
			"alpha", "bravo", "charlie", "delta", "echo",
			"foxtrot", "golf", "hotel", "india", "juliet",
		},
	})
	r := f.resolver(t)

	s, err := r.Resolve(context.Background(), "alpha bravo charlie delta echo foxtrot golf")
	require.NoError(t, err)
	assert.Equal(t, 0.7, s.Confidence)
	assert.Empty(t, s.Context)
	assert.False(t, s.Ran(StageRetrieveContext))
	assert.Zero(t, f.retrieverCalls())

	s, err = r.Resolve(context.Background(), "alpha bravo charlie delta echo foxtrot")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, s.Confidence, 1e-9)
	assert.True(t, s.Ran(StageRetrieveContext))
	assert.Equal(t, 1, f.retrieverCalls())
}

func TestResolve_ConfigurableThreshold(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t, func(o *Options) { o.Threshold = 0.3 })

	s, err := r.Resolve(context.Background(), "show me the budget report")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, s.Confidence, 1e-9)
	assert.Empty(t, s.Context)
	assert.Zero(t, f.retrieverCalls())
}

// --- End-to-end scenarios ---

func TestResolve_LowConfidenceKeywordMatchGathersContext(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t)

	s, err := r.Resolve(context.Background(), "show me the budget report")
	require.NoError(t, err)

	assert.Equal(t, "finance", s.Scope)
	assert.Equal(t, []string{"budget"}, s.Cubes)
	assert.InDelta(t, 1.0/3.0, s.Confidence, 1e-9)
	assert.False(t, s.NeedsClarification)
	assert.Empty(t, s.ClarificationQuestion)
	require.NotEmpty(t, s.Context)
	assert.Equal(t, "budget", s.Context[0].Cube)
	assert.Equal(t, int32(1), f.retrievers["budget"].calls.Load())
	assert.Zero(t, f.composer.calls())
	assert.Equal(t, []Stage{StageIdentify, StageRetrieveContext}, s.Stages)
}

func TestResolve_ExplicitScopeTerminatesImmediately(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t)

	s, err := r.Resolve(context.Background(), "scope Finance please")
	require.NoError(t, err)

	assert.Equal(t, "finance", s.Scope)
	assert.Equal(t, 1.0, s.Confidence)
	assert.Empty(t, s.Context)
	assert.Zero(t, f.retrieverCalls())
	assert.Zero(t, f.composer.calls())
	assert.Equal(t, []Stage{StageIdentify}, s.Stages)
}

func TestResolve_UnmatchedQuestionIsClarified(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t)

	identified := r.Identify("what is the weather")
	assert.True(t, identified.NeedsClarification)
	assert.NotEmpty(t, identified.ClarificationQuestion)
	assert.Empty(t, identified.Context)
	assert.Zero(t, f.composer.calls())

	s, err := r.Resolve(context.Background(), "what is the weather")
	require.NoError(t, err)

	assert.True(t, s.NeedsClarification)
	assert.Empty(t, s.Scope)
	assert.Empty(t, s.Context)
	assert.Zero(t, f.retrieverCalls())
	assert.Equal(t, "Which department's budget do you mean?", s.ClarificationQuestion)
	assert.Equal(t, []Stage{StageIdentify, StageComposeClarification}, s.Stages)

	require.Equal(t, 1, f.composer.calls())
	assert.Contains(t, f.composer.prompts[0], "what is the weather")
	assert.Contains(t, f.composer.prompts[0], "### CONTEXT ###\n[]")
}

func TestResolve_ComposerReplyStoredVerbatim(t *testing.T) {
	f := financeOnly(t)
	f.composer.reply = "  Do you mean *finance*?\n\n"
	r := f.resolver(t)

	s, err := r.Resolve(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "  Do you mean *finance*?\n\n", s.ClarificationQuestion)
}

func TestResolve_WithoutComposerKeepsDefaultClarification(t *testing.T) {
	f := financeOnly(t)
	r, err := New(f.table, f.bindings, nil, DefaultOptions())
	require.NoError(t, err)

	s, err := r.Resolve(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, s.NeedsClarification)
	assert.Contains(t, s.ClarificationQuestion, DefaultClarification)
	assert.False(t, s.Ran(StageComposeClarification))
}

// --- Stage guards ---

func TestRetrieveContext_NoopWhenClarificationNeeded(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t)

	in := r.Identify("nothing relevant")
	out, err := r.RetrieveContext(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Zero(t, f.retrieverCalls())
}

func TestComposeClarification_NoopWhenResolved(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t)

	in := r.Identify("budget")
	out, err := r.ComposeClarification(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Zero(t, f.composer.calls())
}

func TestRetrieveContext_DoesNotAliasInputStages(t *testing.T) {
	f := financeOnly(t)
	r := f.resolver(t)

	in := r.Identify("budget")
	in.Stages = append(make([]Stage, 0, 8), in.Stages...)

	a, err := r.RetrieveContext(context.Background(), in)
	require.NoError(t, err)
	b, err := r.RetrieveContext(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageIdentify}, in.Stages)
	assert.Equal(t, a.Stages, b.Stages)
}

// --- Fan-out ---

func TestRetrieveContext_BroadFanoutQueriesEveryCubeInOrder(t *testing.T) {
	f := financeAndHR(t)
	r := f.resolver(t)

	s, err := r.Resolve(context.Background(), "budget")
	require.NoError(t, err)
	require.Equal(t, "finance", s.Scope)

	var cubes []string
	for _, p := range s.Context {
		cubes = append(cubes, p.Cube)
	}
	assert.Equal(t, []string{"payroll", "hiring", "budget", "training"}, cubes)
}

func TestRetrieveContext_ResolvedFanoutQueriesOnlyScopeCubes(t *testing.T) {
	f := financeAndHR(t)
	r := f.resolver(t, func(o *Options) { o.Fanout = FanoutResolved })

	s, err := r.Resolve(context.Background(), "salary")
	require.NoError(t, err)
	require.Equal(t, "hr", s.Scope)

	var cubes []string
	for _, p := range s.Context {
		cubes = append(cubes, p.Cube)
	}
	assert.Equal(t, []string{"payroll", "hiring"}, cubes)
	assert.Zero(t, f.retrievers["budget"].calls.Load())
	assert.Zero(t, f.retrievers["training"].calls.Load())
}

func TestRetrieveContext_ParallelKeepsRetrieverOrder(t *testing.T) {
	f := financeAndHR(t)
	f.retrievers["payroll"].delay = 40 * time.Millisecond
	f.retrievers["hiring"].delay = 20 * time.Millisecond
	r := f.resolver(t, func(o *Options) {
		o.Parallel = true
		o.MaxParallel = 4
	})

	s, err := r.Resolve(context.Background(), "budget")
	require.NoError(t, err)

	var cubes []string
	for _, p := range s.Context {
		cubes = append(cubes, p.Cube)
	}
	assert.Equal(t, []string{"payroll", "hiring", "budget", "training"}, cubes)
}

// --- Failures ---

func TestResolve_RetrieverFailureFailsResolution(t *testing.T) {
	boom := errors.New("index offline")

	for _, parallel := range []bool{false, true} {
		f := financeAndHR(t)
		f.retrievers["hiring"].err = boom
		r := f.resolver(t, func(o *Options) { o.Parallel = parallel })

		s, err := r.Resolve(context.Background(), "budget")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResolutionFailed)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "hiring")
		assert.Equal(t, State{}, s)
		assert.Zero(t, f.composer.calls())
	}
}

func TestResolve_ComposerFailureFailsResolution(t *testing.T) {
	f := financeOnly(t)
	f.composer.err = knowledge.ErrEmptyCompletion
	r := f.resolver(t)

	s, err := r.Resolve(context.Background(), "what is the weather")
	assert.ErrorIs(t, err, ErrResolutionFailed)
	assert.ErrorIs(t, err, knowledge.ErrEmptyCompletion)
	assert.Equal(t, State{}, s)
}

func TestNew_Validation(t *testing.T) {
	f := financeOnly(t)

	_, err := New(nil, nil, nil, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Threshold = 1.5
	_, err = New(f.table, nil, nil, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Threshold = math.NaN()
	_, err = New(f.table, nil, nil, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Fanout = "nearby"
	_, err = New(f.table, nil, nil, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Fanout = ""
	_, err = New(f.table, nil, nil, opts)
	assert.NoError(t, err)
}

func TestResolve_ConcurrentQuestions(t *testing.T) {
	f := financeAndHR(t)
	r := f.resolver(t, func(o *Options) { o.Parallel = true })

	questions := []string{"scope finance", "budget", "salary employee", "weather"}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		q := questions[i%len(questions)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Resolve(context.Background(), q)
			assert.NoError(t, err)
			assert.Equal(t, q, s.Question)
			assert.True(t, s.Resolved() != s.NeedsClarification)
		}()
	}
	wg.Wait()
}
