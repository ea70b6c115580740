package intelligence

import (
	"regexp"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/contextstore"
)

var (
	codeFenceRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	codeLineRe   = regexp.MustCompile(`(?m)^\s*(func |def |class |import |package |const |let |var |#include|public |SELECT |\$ )`)
)

// Features is the lexical fingerprint of a request.
type Features struct {
	HasCode            bool `json:"has_code"`
	WordCount          int  `json:"word_count"`
	IsQuestion         bool `json:"is_question"`
	ErrorKeywords      int  `json:"error_keywords"`
	DeploymentKeywords int  `json:"deployment_keywords"`
	ResearchKeywords   int  `json:"research_keywords"`
	CodeKeywords       int  `json:"code_keywords"`
	LearningKeywords   int  `json:"learning_keywords"`
	ProjectKeywords    int  `json:"project_keywords"`
	IntegrationCount   int  `json:"integration_keywords"`
	UrgencyKeywords    int  `json:"urgency_keywords"`
	ComplexityKeywords int  `json:"complexity_keywords"`
}

// keywordSet matches single tokens exactly and multi-word phrases as substrings.
type keywordSet struct {
	words   map[string]struct{}
	phrases []string
}

func newKeywordSet(terms ...string) keywordSet {
	ks := keywordSet{words: map[string]struct{}{}}
	for _, t := range terms {
		if strings.ContainsAny(t, " /'") {
			ks.phrases = append(ks.phrases, t)
		} else {
			ks.words[t] = struct{}{}
		}
	}
	return ks
}

func (ks keywordSet) count(tokens []string, lower string) int {
	n := 0
	for _, tok := range tokens {
		if _, ok := ks.words[tok]; ok {
			n++
		}
	}
	for _, p := range ks.phrases {
		n += strings.Count(lower, p)
	}
	return n
}

var (
	errorTerms = newKeywordSet(
		"error", "errors", "bug", "bugs", "crash", "crashes", "crashing", "exception", "failing",
		"fails", "failed", "fix", "broken", "traceback", "debug", "panic", "segfault", "timeout", "500",
		"not working", "stack trace", "doesn't work", "won't start",
	)
	deploymentTerms = newKeywordSet(
		"deploy", "deploying", "deployment", "production", "docker", "dockerfile", "kubernetes",
		"k8s", "helm", "terraform", "container", "containers", "release", "hosting", "nginx",
		"aws", "gcp", "azure", "heroku", "vercel", "pipeline", "rollout", "staging",
		"ci/cd", "ci cd",
	)
	researchTerms = newKeywordSet(
		"research", "compare", "comparison", "analyze", "analyse", "analysis", "investigate",
		"survey", "sources", "report", "trends", "market", "study", "findings", "evaluate",
		"pros and cons", "state of the art", "find out",
	)
	codeTerms = newKeywordSet(
		"code", "function", "implement", "script", "class", "refactor", "program", "python",
		"golang", "javascript", "typescript", "java", "rust", "sql", "regex", "algorithm",
		"endpoint", "tests", "library", "write a", "build a",
	)
	learningTerms = newKeywordSet(
		"learn", "learning", "explain", "teach", "tutorial", "understand", "beginner", "course",
		"concept", "concepts", "lesson", "study plan", "how does", "what is", "what are",
		"difference between",
	)
	projectTerms = newKeywordSet(
		"project", "platform", "system", "architecture", "roadmap", "end-to-end", "mvp",
		"startup", "product", "phases", "milestones", "multiple", "full stack", "from scratch",
	)
	integrationTerms = newKeywordSet(
		"integrate", "integration", "api", "apis", "database", "webhook", "webhooks", "oauth",
		"third-party", "sync", "connect", "microservice", "microservices", "queue",
	)
	urgencyTerms = newKeywordSet(
		"urgent", "asap", "immediately", "critical", "emergency", "outage", "right now",
	)
	complexityTerms = newKeywordSet(
		"complex", "comprehensive", "detailed", "scalable", "distributed", "enterprise",
		"advanced", "multi-tenant", "high availability", "real-time", "large scale",
	)
)

// ExtractFeatures computes the feature vector of message.
func ExtractFeatures(message string) Features {
	lower := strings.ToLower(message)
	tokens := contextstore.Tokenize(message)
	trimmed := strings.TrimSpace(message)

	return Features{
		HasCode:            codeFenceRe.MatchString(message) || inlineCodeRe.MatchString(message) || codeLineRe.MatchString(message),
		WordCount:          len(strings.Fields(message)),
		IsQuestion:         strings.HasSuffix(trimmed, "?"),
		ErrorKeywords:      errorTerms.count(tokens, lower),
		DeploymentKeywords: deploymentTerms.count(tokens, lower),
		ResearchKeywords:   researchTerms.count(tokens, lower),
		CodeKeywords:       codeTerms.count(tokens, lower),
		LearningKeywords:   learningTerms.count(tokens, lower),
		ProjectKeywords:    projectTerms.count(tokens, lower),
		IntegrationCount:   integrationTerms.count(tokens, lower),
		UrgencyKeywords:    urgencyTerms.count(tokens, lower),
		ComplexityKeywords: complexityTerms.count(tokens, lower),
	}
}

// technicalTerms feeds the expertise estimate from past conversations.
var technicalTerms = newKeywordSet(
	"api", "docker", "kubernetes", "function", "database", "deploy", "algorithm", "refactor",
	"latency", "concurrency", "goroutine", "thread", "schema", "endpoint", "container",
	"terraform", "regex", "async", "compiler", "runtime", "middleware", "cache",
)
