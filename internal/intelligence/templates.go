package intelligence

// Template is the default agent lineup for a category.
type Template struct {
	Primary    string
	Supporting []string
	Fallback   []string
}

// DefaultTemplates maps each category to the built-in agents.
func DefaultTemplates() map[Category]Template {
	return map[Category]Template{
		CategorySimpleQuery: {
			Primary: "general-assistant",
		},
		CategoryResearch: {
			Primary:    "research-specialist",
			Supporting: []string{"exploration-agent"},
			Fallback:   []string{"general-assistant"},
		},
		CategoryCodeGeneration: {
			Primary:    "code-specialist",
			Supporting: []string{"debug-specialist"},
			Fallback:   []string{"general-assistant"},
		},
		CategoryDeployment: {
			Primary:    "devops-specialist",
			Supporting: []string{"code-specialist"},
			Fallback:   []string{"code-specialist", "general-assistant"},
		},
		CategoryComplexProject: {
			Primary:    "project-coordinator",
			Supporting: []string{"research-specialist", "code-specialist", "devops-specialist"},
			Fallback:   []string{"general-assistant"},
		},
		CategoryTroubleshoot: {
			Primary:    "debug-specialist",
			Supporting: []string{"code-specialist", "devops-specialist"},
			Fallback:   []string{"code-specialist", "general-assistant"},
		},
		CategoryLearning: {
			Primary:    "learning-specialist",
			Supporting: []string{"research-specialist"},
			Fallback:   []string{"general-assistant"},
		},
	}
}

var baseComplexity = map[Category]int{
	CategorySimpleQuery:    2,
	CategoryLearning:       3,
	CategoryResearch:       5,
	CategoryCodeGeneration: 5,
	CategoryTroubleshoot:   5,
	CategoryDeployment:     6,
	CategoryComplexProject: 8,
}

// durationMinutes is indexed by complexity.
var durationMinutes = [...]int{0, 2, 5, 10, 15, 30, 45, 60, 120, 180, 240}

// EstimateComplexity scores a request from 1 to 10.
func EstimateComplexity(cat Category, f Features, k Knowledge) int {
	c, ok := baseComplexity[cat]
	if !ok {
		c = 3
	}
	if f.HasCode {
		c++
	}
	switch {
	case f.IntegrationCount >= 3:
		c += 2
	case f.IntegrationCount >= 1:
		c++
	}
	switch {
	case f.WordCount > 150:
		c += 2
	case f.WordCount > 50:
		c++
	case f.WordCount < 8:
		c--
	}
	c += min(f.ComplexityKeywords, 2)
	if k.ExpertiseLevel == "beginner" && (cat == CategoryCodeGeneration || cat == CategoryDeployment) {
		c++
	}
	return clampComplexity(c)
}

func clampComplexity(c int) int {
	if c < 1 {
		return 1
	}
	if c > 10 {
		return 10
	}
	return c
}

// EstimateDuration maps complexity to minutes.
func EstimateDuration(complexity int) int {
	return durationMinutes[clampComplexity(complexity)]
}
