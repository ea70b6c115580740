// Package intelligence turns a free-text request into a routing decision.
package intelligence

import "time"

// Category is the coarse workflow type of a request.
type Category string

const (
	CategorySimpleQuery    Category = "simple_query"
	CategoryResearch       Category = "research_task"
	CategoryCodeGeneration Category = "code_generation"
	CategoryDeployment     Category = "deployment_task"
	CategoryComplexProject Category = "complex_project"
	CategoryTroubleshoot   Category = "troubleshooting"
	CategoryLearning       Category = "learning_request"
)

// Categories lists every category in tie-break order: when two categories
// score the same, the earlier one wins.
var Categories = []Category{
	CategoryTroubleshoot,
	CategoryDeployment,
	CategoryCodeGeneration,
	CategoryResearch,
	CategoryComplexProject,
	CategoryLearning,
	CategorySimpleQuery,
}

// ParseCategory accepts only exact category names.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Confidence is an ordered confidence level.
type Confidence string

const (
	ConfidenceLow     Confidence = "low"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceHigh    Confidence = "high"
	ConfidenceCertain Confidence = "certain"
)

var confidenceOrder = []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceCertain}

// Rank orders confidences from 0 (low) to 3 (certain).
func (c Confidence) Rank() int {
	for i, o := range confidenceOrder {
		if o == c {
			return i
		}
	}
	return 0
}

// AtLeast reports whether c is o or stronger.
func (c Confidence) AtLeast(o Confidence) bool { return c.Rank() >= o.Rank() }

func (c Confidence) raise() Confidence {
	if r := c.Rank(); r < len(confidenceOrder)-1 {
		return confidenceOrder[r+1]
	}
	return c
}

// Decision is the immutable result of classifying one request.
type Decision struct {
	Category        Category   `json:"category"`
	Confidence      Confidence `json:"confidence"`
	SelectedAgents  []string   `json:"selected_agents"`
	Reasoning       string     `json:"reasoning"`
	Complexity      int        `json:"estimated_complexity"`
	DurationMinutes int        `json:"estimated_duration_minutes"`
	FallbackAgents  []string   `json:"fallback_agents"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Primary is the first selected agent.
func (d Decision) Primary() string {
	if len(d.SelectedAgents) == 0 {
		return ""
	}
	return d.SelectedAgents[0]
}

// EstimatedDuration converts DurationMinutes.
func (d Decision) EstimatedDuration() time.Duration {
	return time.Duration(d.DurationMinutes) * time.Minute
}

// Clone returns a deep copy so callers cannot mutate a shared decision.
func (d Decision) Clone() Decision {
	d.SelectedAgents = append([]string(nil), d.SelectedAgents...)
	d.FallbackAgents = append([]string(nil), d.FallbackAgents...)
	return d
}

// Input is what the caller knows about the request beyond its text.
type Input struct {
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	PageContext map[string]interface{} `json:"page_context,omitempty"`
}

// Knowledge is what the context store tells us about the user.
type Knowledge struct {
	ExpertiseLevel    string             `json:"expertise_level"` // unknown, beginner, intermediate, expert
	ProjectFocus      string             `json:"project_focus,omitempty"`
	AgentSuccessRates map[string]float64 `json:"agent_success_rates,omitempty"`
	AgentUsage        map[string]int     `json:"agent_usage,omitempty"`
	RecentItems       int                `json:"recent_items"`
}
