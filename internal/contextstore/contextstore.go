// Package contextstore adapts the external memory collaborator that supplies
// recent interactions and behavioural patterns per user.
package contextstore

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Item is one piece of remembered context.
type Item struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Score     float64                `json:"score"`
	CreatedAt time.Time              `json:"created_at"`
}

// Patterns summarises a user's history.
type Patterns struct {
	// AgentSuccessRates maps agent id to the fraction of successful
	// interactions that agent handled for this user.
	AgentSuccessRates map[string]float64 `json:"agent_success_rates"`
	AgentUsage        map[string]int     `json:"agent_usage"`
	Categories        map[string]int     `json:"categories"`
	Interactions      int                `json:"interactions"`
}

// Interaction is what the engine saves after handling a request.
type Interaction struct {
	UserID   string
	Message  string
	Response string
	Metadata map[string]interface{}
}

// Well-known Interaction metadata keys.
const (
	MetaAgents   = "agents"   // []string
	MetaCategory = "category" // string
	MetaSuccess  = "success"  // bool
)

// Store is the context store contract. Results are eventually consistent and
// may be empty; callers must not fail because of that.
type Store interface {
	GetRelevantContext(ctx context.Context, userID, query string, limit int) ([]Item, error)
	GetUserPatterns(ctx context.Context, userID string) (*Patterns, error)
	SaveInteraction(ctx context.Context, in Interaction) error
}

// Nop is a Store that remembers nothing.
type Nop struct{}

func (Nop) GetRelevantContext(context.Context, string, string, int) ([]Item, error) {
	return nil, nil
}
func (Nop) GetUserPatterns(context.Context, string) (*Patterns, error) {
	return &Patterns{}, nil
}
func (Nop) SaveInteraction(context.Context, Interaction) error { return nil }

// OrNop returns s, or Nop when s is nil.
func OrNop(s Store) Store {
	if s == nil {
		return Nop{}
	}
	return s
}

// Tokenize lowercases text and splits it into word tokens.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

// relevance is the fraction of query tokens present in content.
func relevance(queryTokens map[string]struct{}, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	seen := map[string]struct{}{}
	hits := 0
	for _, tok := range Tokenize(content) {
		if _, ok := queryTokens[tok]; !ok {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		hits++
	}
	return float64(hits) / float64(len(queryTokens))
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range Tokenize(text) {
		if len(tok) > 2 {
			set[tok] = struct{}{}
		}
	}
	return set
}

// rank scores items against query, highest score first, newest first on ties.
func rank(items []Item, query string, limit int) []Item {
	qs := tokenSet(query)
	for i := range items {
		items[i].Score = relevance(qs, items[i].Content)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func interactionAgents(meta map[string]interface{}) []string {
	switch v := meta[MetaAgents].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

func interactionSuccess(meta map[string]interface{}) bool {
	ok, _ := meta[MetaSuccess].(bool)
	return ok
}

func interactionCategory(meta map[string]interface{}) string {
	c, _ := meta[MetaCategory].(string)
	return c
}
