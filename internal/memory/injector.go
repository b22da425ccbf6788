package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/penhold/squire/internal/embeddings"
	"github.com/penhold/squire/internal/knowledge"
	"github.com/penhold/squire/internal/paths"
	"github.com/penhold/squire/internal/prompts"
)

// KnowledgeReader is the slice of the knowledge store the injector
// reads from.
type KnowledgeReader interface {
	Get(ctx context.Context, userID string, id int64) (*knowledge.Item, error)
	GetByType(ctx context.Context, userID string, et knowledge.EntityType, limit int, minConfidence float64) ([]*knowledge.Item, error)
	KeywordSearch(ctx context.Context, userID string, et knowledge.EntityType, query string, limit int) ([]*knowledge.Item, error)
	TouchReferenced(ctx context.Context, userID string, ids []int64) error
}

// VectorSearcher finds stored items near a query by meaning.
type VectorSearcher interface {
	SearchSimilarForType(ctx context.Context, userID, query, sourceType string, limit int, recencyBoost bool) ([]embeddings.Match, error)
}

// Injector builds the memory block that rides along with the system
// prompt: the stored facts and active goals most relevant to the
// incoming message.
type Injector struct {
	knowledge KnowledgeReader
	vectors   VectorSearcher
	sandbox   *paths.Sandbox
	logger    *slog.Logger

	maxFacts    int
	maxGoals    int
	maxProjects int
	projectCap  int // chars of readme per project
}

// NewInjector creates an injector with default retrieval limits.
func NewInjector(k KnowledgeReader, v VectorSearcher, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		knowledge:   k,
		vectors:     v,
		logger:      logger.With("component", "injector"),
		maxFacts:    5,
		maxGoals:    3,
		maxProjects: 3,
		projectCap:  1500,
	}
}

// SetSandbox enables project-readme lookups. Without a sandbox the
// injector never touches the filesystem.
func (i *Injector) SetSandbox(sb *paths.Sandbox) {
	i.sandbox = sb
}

// SystemPrompt returns the base persona with the memory block appended
// when there is anything worth injecting.
func (i *Injector) SystemPrompt(ctx context.Context, base, userID, query string) string {
	return prompts.WithMemory(base, i.MemoryBlock(ctx, userID, query))
}

// MemoryBlock retrieves relevant facts and active goals and formats
// them as a tagged block. Returns "" when there is nothing to inject.
// Retrieval failures degrade stage by stage rather than failing the
// message: similarity search, then keyword search, then most recent.
func (i *Injector) MemoryBlock(ctx context.Context, userID, query string) string {
	facts := i.retrieveFacts(ctx, userID, query)
	goals := i.retrieveGoals(ctx, userID, query)
	if len(facts) == 0 && len(goals) == 0 {
		return ""
	}

	escaped := false
	esc := func(s string) string {
		out := escapeTags(s)
		if out != s && !escaped {
			escaped = true
			i.logger.Warn("escaped markup in memory content", "user", userID)
		}
		return out
	}

	var sb strings.Builder
	sb.WriteString("<memory>\n")
	if len(facts) > 0 {
		sb.WriteString("<facts>\n")
		for _, f := range facts {
			fmt.Fprintf(&sb, "<fact category='%s'>%s</fact>\n", f.Category(), esc(f.Content))
		}
		sb.WriteString("</facts>\n")
	}
	if len(goals) > 0 {
		sb.WriteString("<goals>\n")
		for _, g := range goals {
			line := g.Content
			if d := g.Description(); d != "" {
				line += ": " + d
			}
			fmt.Fprintf(&sb, "<goal>%s</goal>\n", esc(line))
		}
		sb.WriteString("</goals>\n")
	}
	sb.WriteString("</memory>")

	if notes := i.projectNotes(facts, esc); notes != "" {
		sb.WriteString("\n\n")
		sb.WriteString(notes)
	}

	var ids []int64
	for _, f := range facts {
		ids = append(ids, f.ID)
	}
	for _, g := range goals {
		ids = append(ids, g.ID)
	}
	if err := i.knowledge.TouchReferenced(ctx, userID, ids); err != nil {
		i.logger.Warn("marking referenced items failed", "error", err)
	}

	return sb.String()
}

func (i *Injector) retrieveFacts(ctx context.Context, userID, query string) []*knowledge.Item {
	if items := i.resolveMatches(ctx, userID, query, embeddings.SourceKnowledgeFact, i.maxFacts); len(items) > 0 {
		return items
	}
	if items, err := i.knowledge.KeywordSearch(ctx, userID, knowledge.EntityFact, query, i.maxFacts); err == nil && len(items) > 0 {
		return items
	}
	items, err := i.knowledge.GetByType(ctx, userID, knowledge.EntityFact, i.maxFacts, 0)
	if err != nil {
		i.logger.Warn("fact retrieval failed", "error", err)
		return nil
	}
	return items
}

func (i *Injector) retrieveGoals(ctx context.Context, userID, query string) []*knowledge.Item {
	if items := activeOnly(i.resolveMatches(ctx, userID, query, embeddings.SourceKnowledgeGoal, i.maxGoals)); len(items) > 0 {
		return items
	}
	if items, err := i.knowledge.KeywordSearch(ctx, userID, knowledge.EntityGoal, query, i.maxGoals); err == nil {
		if items = activeOnly(items); len(items) > 0 {
			return items
		}
	}
	items, err := i.knowledge.GetByType(ctx, userID, knowledge.EntityGoal, 0, 0)
	if err != nil {
		i.logger.Warn("goal retrieval failed", "error", err)
		return nil
	}
	items = activeOnly(items)
	if len(items) > i.maxGoals {
		items = items[:i.maxGoals]
	}
	return items
}

// resolveMatches runs a similarity search and loads the backing rows.
// An unavailable index returns no matches, pushing the caller to the
// next retrieval stage.
func (i *Injector) resolveMatches(ctx context.Context, userID, query, sourceType string, limit int) []*knowledge.Item {
	if i.vectors == nil || query == "" {
		return nil
	}
	matches, err := i.vectors.SearchSimilarForType(ctx, userID, query, sourceType, limit, true)
	if err != nil {
		i.logger.Warn("similarity search failed", "source_type", sourceType, "error", err)
		return nil
	}
	var items []*knowledge.Item
	for _, m := range matches {
		item, err := i.knowledge.Get(ctx, userID, m.SourceID)
		if err != nil || item == nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func activeOnly(items []*knowledge.Item) []*knowledge.Item {
	var out []*knowledge.Item
	for _, it := range items {
		if it.GoalStatus() == knowledge.GoalActive {
			out = append(out, it)
		}
	}
	return out
}

// readmeNames are checked in order inside a project directory.
var readmeNames = []string{"README.md", "README.txt", "README", "readme.md"}

// projectNotes pulls short readme excerpts for facts that point at
// project directories. File access goes through the sandbox; without
// one, or for paths outside it, nothing is read.
func (i *Injector) projectNotes(facts []*knowledge.Item, esc func(string) string) string {
	if i.sandbox == nil {
		return ""
	}
	var sb strings.Builder
	included := 0
	for _, f := range facts {
		if f.Category() != knowledge.CategoryProject || included >= i.maxProjects {
			continue
		}
		dir, err := i.sandbox.Resolve(f.Content)
		if err != nil {
			continue
		}
		excerpt := readmeExcerpt(dir, i.projectCap)
		if excerpt == "" {
			continue
		}
		if included > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Project notes (%s):\n%s", f.Content, esc(excerpt))
		included++
	}
	return sb.String()
}

func readmeExcerpt(dir string, limit int) string {
	for _, name := range readmeNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		text := string(data)
		if len(text) > limit {
			text = text[:limit]
		}
		return text
	}
	return ""
}

// escapeTags entity-escapes angle brackets so user-sourced text cannot
// smuggle tags into the prompt.
func escapeTags(s string) string {
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
