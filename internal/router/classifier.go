package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/penhold/squire/internal/llm"
	"github.com/penhold/squire/internal/prompts"
)

// Category is the classifier's verdict on a message. It drives model
// selection, nothing else.
type Category string

const (
	CategoryRoutine       Category = "routine"
	CategorySummarization Category = "summarization"
	CategoryReasoning     Category = "reasoning"
	CategoryCoding        Category = "coding"
	CategorySafety        Category = "safety"
	CategoryPersona       Category = "persona"
)

var knownCategories = map[Category]bool{
	CategoryRoutine:       true,
	CategorySummarization: true,
	CategoryReasoning:     true,
	CategoryCoding:        true,
	CategorySafety:        true,
	CategoryPersona:       true,
}

// routineMaxLen is the stage-4 cutoff: anything shorter is routine
// unless an earlier stage already matched.
const routineMaxLen = 100

var (
	greetingRE = regexp.MustCompile(`(?i)^\s*(hi|hiya|hey|hello|howdy|yo|sup|good\s+(morning|afternoon|evening|night)|gm|gn|thanks|thank\s+you|thx|ty|ok|okay|cool|nice|great|lol|haha|bye|goodbye|goodnight)[\s!.,?~]*$`)

	// Code signals: fenced blocks, common source file extensions, and
	// phrases that only show up around programming questions.
	codeFenceRE = regexp.MustCompile("```")
	fileExtRE   = regexp.MustCompile(`(?i)\b\w+\.(go|py|js|jsx|ts|tsx|rs|java|kt|c|cc|cpp|h|hpp|cs|rb|php|swift|sh|bash|zsh|sql|html|css|scss|json|yaml|yml|toml|proto|tf|dockerfile)\b`)
	codeTalkRE  = regexp.MustCompile(`(?i)\b(stack\s*trace|traceback|segfault|null\s*pointer|exception|compile\s*error|syntax\s*error|unit\s*test|refactor|debug(ging)?|regex|pull\s*request|merge\s*conflict|code\s*review)\b`)
	codeTokenRE = regexp.MustCompile(`\b(func\s+\w+|def\s+\w+|class\s+\w+|#include|import\s+\w+|package\s+\w+|SELECT\s+.+\s+FROM)\b`)

	summaryRE = regexp.MustCompile(`(?i)\b(summari[sz]e|summary|tl;?dr|recap|digest|condense|key\s+points)\b`)
	planRE    = regexp.MustCompile(`(?i)\b(plan\s+(out|for|my)|make\s+a\s+plan|roadmap|strategy|strategi[sz]e|think\s+through|pros\s+and\s+cons|trade-?offs?|step\s+by\s+step|weigh\s+(the\s+)?options)\b`)
)

// Classifier buckets messages into categories via a cheap cascade:
// regexes first, length heuristic next, and only then (when neither
// fired) one small LLM call. Verdicts are memoized by normalized-text
// hash so repeated phrasings skip the whole cascade.
type Classifier struct {
	fast      llm.Client // optional; nil disables the LLM stage
	fastModel string
	cache     *ttlCache
	logger    *slog.Logger
}

// NewClassifier builds a classifier. fast may be nil, in which case
// unmatched messages default to routine.
func NewClassifier(fast llm.Client, fastModel string, logger *slog.Logger) *Classifier {
	return &Classifier{
		fast:      fast,
		fastModel: fastModel,
		cache:     newTTLCache(256, 300*time.Second),
		logger:    logger,
	}
}

// Classify returns the category for text. Never fails: every error
// path lands on routine.
func (c *Classifier) Classify(ctx context.Context, text string) Category {
	normalized := normalizeText(text)
	if normalized == "" {
		return CategoryRoutine
	}

	key := cacheKey(normalized)
	if cat, ok := c.cache.get(key); ok {
		return cat
	}

	cat := c.classify(ctx, text, normalized)
	c.cache.put(key, cat)
	return cat
}

func (c *Classifier) classify(ctx context.Context, text, normalized string) Category {
	if greetingRE.MatchString(text) {
		return CategoryRoutine
	}
	if looksLikeCode(text) {
		return CategoryCoding
	}
	if summaryRE.MatchString(text) {
		return CategorySummarization
	}
	if planRE.MatchString(text) {
		return CategoryReasoning
	}
	if len(text) < routineMaxLen {
		return CategoryRoutine
	}
	if c.fast != nil {
		if cat, ok := c.classifyLLM(ctx, text); ok {
			return cat
		}
	}
	return CategoryRoutine
}

// classifyLLM asks the fast model for a one-word verdict.
func (c *Classifier) classifyLLM(ctx context.Context, text string) (Category, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := c.fast.StreamMessage(ctx, llm.Request{
		Model:     c.fastModel,
		Messages:  []llm.Message{llm.TextMessage("user", prompts.ClassificationPrompt(text))},
		MaxTokens: 10,
	}, nil)
	if err != nil {
		c.logger.Debug("llm classification failed", "error", err)
		return "", false
	}

	word := firstWord(res.Message.Content)
	cat := Category(strings.ToLower(word))
	if !knownCategories[cat] {
		c.logger.Debug("llm classification returned unknown category", "got", word)
		return "", false
	}
	return cat, true
}

func looksLikeCode(text string) bool {
	return codeFenceRE.MatchString(text) ||
		fileExtRE.MatchString(text) ||
		codeTalkRE.MatchString(text) ||
		codeTokenRE.MatchString(text)
}

// normalizeText lowercases and collapses runs of whitespace so cache
// hits survive casing and spacing differences.
func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func firstWord(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,:;!\"'")
}
