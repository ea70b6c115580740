package intelligence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/contextstore"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/llm"
)

type directory map[string]bool

func (d directory) Has(id string) bool    { return d[id] }
func (d directory) DefaultAgent() string { return "general-assistant" }

func builtinDirectory() directory {
	return directory{
		"general-assistant":   true,
		"research-specialist": true,
		"exploration-agent":   true,
		"code-specialist":     true,
		"debug-specialist":    true,
		"devops-specialist":   true,
		"learning-specialist": true,
		"project-coordinator": true,
	}
}

func newTestClassifier(t *testing.T, store contextstore.Store, opts Options) *Classifier {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	return NewClassifier(builtinDirectory(), store, opts, zaptest.NewLogger(t))
}

func TestClassifyDeploymentScenario(t *testing.T) {
	c := newTestClassifier(t, nil, Options{})
	d := c.Classify(context.Background(), "deploy my app to production with docker", Input{UserID: "u1"})

	assert.Equal(t, CategoryDeployment, d.Category)
	assert.Equal(t, "devops-specialist", d.Primary())
	assert.True(t, d.Confidence.AtLeast(ConfidenceMedium), "got %s", d.Confidence)
	assert.NotContains(t, d.FallbackAgents, "devops-specialist")
	assert.Equal(t, EstimateDuration(d.Complexity), d.DurationMinutes)
}

func TestClassifyCategories(t *testing.T) {
	c := newTestClassifier(t, nil, Options{})
	cases := []struct {
		msg  string
		want Category
	}{
		{"what time is it in Tokyo?", CategorySimpleQuery},
		{"research and compare the market trends for electric bikes, with sources", CategoryResearch},
		{"write a python function that parses a csv file and implement tests", CategoryCodeGeneration},
		{"my server keeps crashing with a panic error, please fix this bug", CategoryTroubleshoot},
		{"explain the concept of recursion, I want to learn it", CategoryLearning},
		{"plan the architecture and roadmap for a new platform project with milestones", CategoryComplexProject},
	}
	for _, tc := range cases {
		t.Run(string(tc.want), func(t *testing.T) {
			d := c.Classify(context.Background(), tc.msg, Input{})
			assert.Equal(t, tc.want, d.Category, d.Reasoning)
			assert.NotEmpty(t, d.SelectedAgents)
		})
	}
}

func TestClassifyAlwaysSelectsAnAgent(t *testing.T) {
	c := newTestClassifier(t, failingStore{}, Options{})
	for _, msg := range []string{"", "   ", "?", "```\n\n```", "zzz qqq"} {
		d := c.Classify(context.Background(), msg, Input{UserID: "u"})
		require.NotEmpty(t, d.SelectedAgents, "message %q", msg)
		assert.GreaterOrEqual(t, d.Complexity, 1)
		assert.LessOrEqual(t, d.Complexity, 10)
	}
}

func TestClassifyRecoversFromPanics(t *testing.T) {
	c := newTestClassifier(t, panicStore{}, Options{})
	d := c.Classify(context.Background(), "deploy the thing", Input{UserID: "u"})
	assert.Equal(t, ConfidenceLow, d.Confidence)
	assert.Equal(t, []string{"general-assistant"}, d.SelectedAgents)
	assert.Contains(t, d.Reasoning, "classification failed")
}

func TestHistoryRaisesConfidence(t *testing.T) {
	store := contextstore.NewMemoryStore(100, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.SaveInteraction(context.Background(), contextstore.Interaction{
			UserID:  "u1",
			Message: "deploy",
			Metadata: map[string]interface{}{
				contextstore.MetaAgents:   []string{"devops-specialist"},
				contextstore.MetaCategory: string(CategoryDeployment),
				contextstore.MetaSuccess:  true,
			},
		}))
	}
	c := newTestClassifier(t, store, Options{})
	d := c.Classify(context.Background(), "deploy my app to production with docker", Input{UserID: "u1"})
	assert.Equal(t, ConfidenceCertain, d.Confidence)
	assert.Contains(t, d.Reasoning, "history agrees")
}

func TestHistoryReranksAgents(t *testing.T) {
	store := contextstore.NewMemoryStore(100, nil)
	save := func(agent string, ok bool) {
		require.NoError(t, store.SaveInteraction(context.Background(), contextstore.Interaction{
			UserID: "u2",
			Metadata: map[string]interface{}{
				contextstore.MetaAgents:  []string{agent},
				contextstore.MetaSuccess: ok,
			},
		}))
	}
	for i := 0; i < 3; i++ {
		save("research-specialist", false)
		save("exploration-agent", true)
	}
	c := newTestClassifier(t, store, Options{})
	d := c.Classify(context.Background(), "research and compare the market trends, find sources", Input{UserID: "u2"})
	assert.Equal(t, CategoryResearch, d.Category)
	assert.Equal(t, "exploration-agent", d.Primary())
}

type fixedScorer struct {
	cat   Category
	err   error
	calls int
}

func (s *fixedScorer) Suggest(context.Context, string, Features) (Category, error) {
	s.calls++
	return s.cat, s.err
}

func TestScorerIsAdvisory(t *testing.T) {
	scorer := &fixedScorer{cat: CategoryLearning}
	c := newTestClassifier(t, nil, Options{Scorer: scorer})

	// Strong rule-based result is not consulted.
	d := c.Classify(context.Background(), "deploy my app to production with docker", Input{})
	assert.Equal(t, CategoryDeployment, d.Category)
	assert.Equal(t, 0, scorer.calls)

	// Weak result accepts the suggestion.
	d = c.Classify(context.Background(), "zzz qqq", Input{})
	assert.Equal(t, CategoryLearning, d.Category)
	assert.Equal(t, "learning-specialist", d.Primary())

	scorer.err = errors.New("nope")
	d = c.Classify(context.Background(), "zzz qqq", Input{})
	assert.Equal(t, CategorySimpleQuery, d.Category)
}

type stubLLM struct{ text string }

func (s stubLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text}, nil
}

func TestLLMScorerParsesOnlyKnownCategories(t *testing.T) {
	cat, err := NewLLMScorer(stubLLM{text: " `research_task`.\n"}).Suggest(context.Background(), "x", Features{})
	require.NoError(t, err)
	assert.Equal(t, CategoryResearch, cat)

	_, err = NewLLMScorer(stubLLM{text: "I think it is research"}).Suggest(context.Background(), "x", Features{})
	assert.Error(t, err)
}

func TestComplexityAndDuration(t *testing.T) {
	assert.Equal(t, 2, EstimateDuration(1))
	assert.Equal(t, 60, EstimateDuration(7))
	assert.Equal(t, 240, EstimateDuration(10))
	assert.Equal(t, 240, EstimateDuration(42))
	assert.Equal(t, 2, EstimateDuration(-3))

	f := Features{HasCode: true, IntegrationCount: 4, WordCount: 200, ComplexityKeywords: 5}
	assert.Equal(t, 10, EstimateComplexity(CategoryComplexProject, f, Knowledge{}))
	assert.Equal(t, 1, EstimateComplexity(CategorySimpleQuery, Features{WordCount: 2}, Knowledge{}))
}

func TestComplexRequestsSelectSupportingAgents(t *testing.T) {
	c := newTestClassifier(t, nil, Options{})
	d := c.Classify(context.Background(),
		"plan a comprehensive, scalable architecture for a platform project that integrates an api, a database and a webhook system",
		Input{})
	require.Equal(t, CategoryComplexProject, d.Category)
	assert.Greater(t, len(d.SelectedAgents), 1)
	assert.Equal(t, "project-coordinator", d.Primary())
}

func TestPatternLogIsBounded(t *testing.T) {
	log := NewPatternLog(3)
	for i := 0; i < 5; i++ {
		log.Record(PatternEntry{Category: CategoryResearch, Complexity: 5, Features: Features{WordCount: i}})
	}
	got := log.Snapshot(CategoryResearch, 5)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Features.WordCount)
	assert.Equal(t, 4, got[2].Features.WordCount)
	assert.Nil(t, log.Snapshot(CategoryResearch, 6))
}

func TestClassifierRecordsPatterns(t *testing.T) {
	c := newTestClassifier(t, nil, Options{PatternCapacity: 2})
	var d Decision
	for i := 0; i < 4; i++ {
		d = c.Classify(context.Background(), "deploy my app to production with docker", Input{})
	}
	assert.Len(t, c.Patterns(d.Category, d.Complexity), 2)
}

func TestKnowledgeIsCached(t *testing.T) {
	store := &countingStore{}
	c := newTestClassifier(t, store, Options{})
	c.Classify(context.Background(), "hello there", Input{UserID: "u"})
	c.Classify(context.Background(), "hello again", Input{UserID: "u"})
	assert.Equal(t, 1, store.patternCalls)

	c.Forget("u")
	c.Classify(context.Background(), "hello", Input{UserID: "u"})
	assert.Equal(t, 2, store.patternCalls)
}

func TestExpertise(t *testing.T) {
	assert.Equal(t, "unknown", expertiseFrom(nil))
	assert.Equal(t, "beginner", expertiseFrom([]contextstore.Item{{Content: "hello"}, {Content: "thanks"}}))
	assert.Equal(t, "expert", expertiseFrom([]contextstore.Item{{Content: "docker api cache schema"}}))
}

type failingStore struct{}

func (failingStore) GetRelevantContext(context.Context, string, string, int) ([]contextstore.Item, error) {
	return nil, errors.New("down")
}
func (failingStore) GetUserPatterns(context.Context, string) (*contextstore.Patterns, error) {
	return nil, errors.New("down")
}
func (failingStore) SaveInteraction(context.Context, contextstore.Interaction) error {
	return errors.New("down")
}

type panicStore struct{ failingStore }

func (panicStore) GetUserPatterns(context.Context, string) (*contextstore.Patterns, error) {
	panic("corrupt patterns")
}

type countingStore struct {
	contextstore.Nop
	patternCalls int
}

func (s *countingStore) GetUserPatterns(ctx context.Context, userID string) (*contextstore.Patterns, error) {
	s.patternCalls++
	return &contextstore.Patterns{}, nil
}
