package intelligence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/contextstore"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// AgentDirectory is the part of the agent registry the classifier needs.
type AgentDirectory interface {
	Has(id string) bool
	DefaultAgent() string
}

// Options tune a Classifier. Zero values take defaults.
type Options struct {
	PatternCapacity int
	KnowledgeTTL    time.Duration
	KnowledgeSize   int
	ContextLimit    int
	Templates       map[Category]Template
	Scorer          Scorer
	Clock           clock.Clock
}

const (
	// minHistory is how many past interactions an agent needs before the
	// user's success rate for it is trusted.
	minHistory = 3
	// agreeRate is the success rate at which history confirms the template.
	agreeRate = 0.7
	// supportingFrom is the complexity at which supporting agents join.
	supportingFrom = 6
)

// Classifier produces workflow decisions.
type Classifier struct {
	agents    AgentDirectory
	store     contextstore.Store
	scorer    Scorer
	templates map[Category]Template
	patterns  *PatternLog
	knowledge *expirable.LRU[string, Knowledge]
	limit     int
	clock     clock.Clock
	logger    *zap.Logger
}

func NewClassifier(agents AgentDirectory, store contextstore.Store, opts Options, logger *zap.Logger) *Classifier {
	if opts.KnowledgeTTL <= 0 {
		opts.KnowledgeTTL = 2 * time.Minute
	}
	if opts.KnowledgeSize <= 0 {
		opts.KnowledgeSize = 1024
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 10
	}
	if opts.Templates == nil {
		opts.Templates = DefaultTemplates()
	}
	return &Classifier{
		agents:    agents,
		store:     contextstore.OrNop(store),
		scorer:    opts.Scorer,
		templates: opts.Templates,
		patterns:  NewPatternLog(opts.PatternCapacity),
		knowledge: expirable.NewLRU[string, Knowledge](opts.KnowledgeSize, nil, opts.KnowledgeTTL),
		limit:     opts.ContextLimit,
		clock:     clock.OrSystem(opts.Clock),
		logger:    logger,
	}
}

// Classify never fails. Internal errors yield a low-confidence decision for
// the default agent.
func (c *Classifier) Classify(ctx context.Context, message string, in Input) (d Decision) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "workflow.classify", "user_id", in.UserID)
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Classification panicked, using default decision",
				zap.String("user_id", in.UserID),
				zap.Any("panic", p),
			)
			metrics.ClassificationFallbacks.WithLabelValues("panic").Inc()
			d = c.fallback(fmt.Sprintf("classification failed: %v", p))
		}
		metrics.Classifications.WithLabelValues(string(d.Category), string(d.Confidence)).Inc()
		metrics.ClassificationDuration.Observe(time.Since(start).Seconds())
		tracing.End(span, nil)
	}()

	if strings.TrimSpace(message) == "" {
		metrics.ClassificationFallbacks.WithLabelValues("empty").Inc()
		return c.fallback("empty request")
	}
	return c.classify(ctx, message, in)
}

func (c *Classifier) classify(ctx context.Context, message string, in Input) Decision {
	f := ExtractFeatures(message)
	k := c.Knowledge(ctx, in.UserID, message)

	scores := scoreCategories(f)
	cat, conf := pickCategory(scores)
	reasons := []string{fmt.Sprintf("rule score %d for %s", scores[cat], cat)}

	if c.scorer != nil && !conf.AtLeast(ConfidenceHigh) {
		suggested, err := c.scorer.Suggest(ctx, message, f)
		switch {
		case err != nil:
			c.logger.Debug("Scorer suggestion ignored", zap.Error(err))
		case suggested != cat:
			reasons = append(reasons, fmt.Sprintf("scorer overrode %s with %s", cat, suggested))
			cat = suggested
			conf = ConfidenceMedium
		}
	}

	complexity := EstimateComplexity(cat, f, k)
	selected, fallbacks, agreed := c.selectAgents(cat, complexity, k)
	if agreed {
		conf = conf.raise()
		reasons = append(reasons, "user history agrees with template")
	}
	if k.ExpertiseLevel != "" && k.ExpertiseLevel != "unknown" {
		reasons = append(reasons, "expertise "+k.ExpertiseLevel)
	}

	d := Decision{
		Category:        cat,
		Confidence:      conf,
		SelectedAgents:  selected,
		Reasoning:       strings.Join(reasons, "; "),
		Complexity:      complexity,
		DurationMinutes: EstimateDuration(complexity),
		FallbackAgents:  fallbacks,
		CreatedAt:       c.clock.Now(),
	}
	c.patterns.Record(PatternEntry{
		Features:   f,
		Category:   cat,
		Confidence: conf,
		Primary:    d.Primary(),
		Complexity: complexity,
		At:         d.CreatedAt,
	})
	c.logger.Debug("Request classified",
		zap.String("user_id", in.UserID),
		zap.String("category", string(cat)),
		zap.String("confidence", string(conf)),
		zap.Strings("agents", selected),
		zap.Int("complexity", complexity),
	)
	return d
}

func (c *Classifier) fallback(reason string) Decision {
	complexity := baseComplexity[CategorySimpleQuery]
	return Decision{
		Category:        CategorySimpleQuery,
		Confidence:      ConfidenceLow,
		SelectedAgents:  []string{c.agents.DefaultAgent()},
		Reasoning:       reason,
		Complexity:      complexity,
		DurationMinutes: EstimateDuration(complexity),
		FallbackAgents:  []string{},
		CreatedAt:       c.clock.Now(),
	}
}

// scoreCategories applies the keyword weights.
func scoreCategories(f Features) map[Category]int {
	s := map[Category]int{
		CategoryTroubleshoot:   3 * f.ErrorKeywords,
		CategoryDeployment:     2 * f.DeploymentKeywords,
		CategoryCodeGeneration: 2 * f.CodeKeywords,
		CategoryResearch:       2 * f.ResearchKeywords,
		CategoryComplexProject: 2*f.ProjectKeywords + f.ComplexityKeywords,
		CategoryLearning:       3 * f.LearningKeywords,
	}
	if f.HasCode {
		s[CategoryCodeGeneration] += 2
		if f.ErrorKeywords > 0 {
			s[CategoryTroubleshoot] += 2
		}
	}
	if f.WordCount > 80 {
		s[CategoryComplexProject] += 2
	}
	domains := 0
	for _, n := range []int{f.DeploymentKeywords, f.CodeKeywords, f.ResearchKeywords, f.IntegrationCount} {
		if n > 0 {
			domains++
		}
	}
	if domains >= 3 {
		s[CategoryComplexProject] += 2
	}
	if f.WordCount <= 12 {
		s[CategorySimpleQuery]++
	}
	if f.IsQuestion && f.WordCount <= 20 {
		s[CategorySimpleQuery] += 2
	}
	return s
}

// pickCategory returns the best category and the rule-based confidence.
func pickCategory(scores map[Category]int) (Category, Confidence) {
	best, second := Categories[len(Categories)-1], 0
	top := -1
	for _, cat := range Categories {
		if s := scores[cat]; s > top {
			if top >= 0 {
				second = top
			}
			best, top = cat, s
		} else if s > second {
			second = s
		}
	}
	margin := top - second
	switch {
	case top == 0:
		return CategorySimpleQuery, ConfidenceLow
	case top >= 6 && margin >= 3:
		return best, ConfidenceHigh
	case top >= 3 && margin >= 1:
		return best, ConfidenceMedium
	default:
		return best, ConfidenceLow
	}
}

// selectAgents orders the template pool by the user's history. Supporting
// agents are kept only for complex requests.
func (c *Classifier) selectAgents(cat Category, complexity int, k Knowledge) (selected, fallbacks []string, agreed bool) {
	tpl, ok := c.templates[cat]
	if !ok {
		tpl = Template{Primary: c.agents.DefaultAgent()}
	}

	var pool []string
	for _, id := range append([]string{tpl.Primary}, tpl.Supporting...) {
		if id != "" && c.agents.Has(id) && !contains(pool, id) {
			pool = append(pool, id)
		}
	}

	prior := func(id string) float64 {
		if k.AgentUsage[id] >= minHistory {
			return k.AgentSuccessRates[id]
		}
		if id == tpl.Primary {
			return 0.6
		}
		return 0.5
	}
	sort.SliceStable(pool, func(i, j int) bool { return prior(pool[i]) > prior(pool[j]) })

	switch {
	case len(pool) == 0:
		selected = []string{c.agents.DefaultAgent()}
	case complexity >= supportingFrom || cat == CategoryComplexProject:
		selected = pool
	default:
		selected = pool[:1]
	}

	agreed = selected[0] == tpl.Primary &&
		k.AgentUsage[tpl.Primary] >= minHistory &&
		k.AgentSuccessRates[tpl.Primary] >= agreeRate

	fallbacks = []string{}
	candidates := append(append([]string(nil), tpl.Fallback...), c.agents.DefaultAgent())
	for _, id := range candidates {
		if c.agents.Has(id) && !contains(selected, id) && !contains(fallbacks, id) {
			fallbacks = append(fallbacks, id)
		}
	}
	return selected, fallbacks, agreed
}

// Knowledge returns what is known about the user, cached per user.
func (c *Classifier) Knowledge(ctx context.Context, userID, message string) Knowledge {
	if userID == "" {
		return Knowledge{ExpertiseLevel: "unknown"}
	}
	if k, ok := c.knowledge.Get(userID); ok {
		return k
	}

	k := Knowledge{ExpertiseLevel: "unknown"}
	items, err := c.store.GetRelevantContext(ctx, userID, message, c.limit)
	if err != nil {
		c.logger.Debug("Context store unavailable for classification", zap.String("user_id", userID), zap.Error(err))
	}
	k.RecentItems = len(items)
	k.ExpertiseLevel = expertiseFrom(items)

	patterns, err := c.store.GetUserPatterns(ctx, userID)
	if err != nil {
		c.logger.Debug("User patterns unavailable", zap.String("user_id", userID), zap.Error(err))
	}
	if patterns != nil {
		k.AgentSuccessRates = patterns.AgentSuccessRates
		k.AgentUsage = patterns.AgentUsage
		k.ProjectFocus = topCategory(patterns.Categories)
	}

	c.knowledge.Add(userID, k)
	return k
}

// Forget drops the cached knowledge for a user so the next request re-reads it.
func (c *Classifier) Forget(userID string) {
	c.knowledge.Remove(userID)
}

// Patterns returns the recorded classifications for a key, oldest first.
func (c *Classifier) Patterns(cat Category, complexity int) []PatternEntry {
	return c.patterns.Snapshot(cat, complexity)
}

func expertiseFrom(items []contextstore.Item) string {
	if len(items) == 0 {
		return "unknown"
	}
	hits := 0
	for _, it := range items {
		hits += technicalTerms.count(contextstore.Tokenize(it.Content), strings.ToLower(it.Content))
	}
	ratio := float64(hits) / float64(len(items))
	switch {
	case ratio >= 2:
		return "expert"
	case ratio >= 0.5:
		return "intermediate"
	default:
		return "beginner"
	}
}

func topCategory(counts map[string]int) string {
	best, n := "", 0
	for cat, c := range counts {
		if c > n || (c == n && cat < best) {
			best, n = cat, c
		}
	}
	return best
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
