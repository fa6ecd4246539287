package tools

import (
	"context"
	_ "embed"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	KnowledgeBaseToolName = "search_knowledge_base"
	DefaultMaxResults     = 3

	// Every keyword hit scores the same until a real ranker replaces substring matching.
	keywordMatchScore = 0.85
)

//go:embed knowledge_base.yaml
var defaultKnowledgeBase []byte

type KnowledgeEntry struct {
	ID       string `yaml:"id" json:"id"`
	Title    string `yaml:"title" json:"title"`
	Content  string `yaml:"content" json:"content"`
	Category string `yaml:"category" json:"category"`
}

type KnowledgeResult struct {
	KnowledgeEntry `yaml:",inline"`
	RelevanceScore float64 `json:"relevance_score"`
}

type KnowledgeSearchInput struct {
	Query      string `json:"query" jsonschema:"required,description=Search query"`
	Category   string `json:"category,omitempty" jsonschema:"description=Optional category filter"`
	MaxResults *int   `json:"max_results,omitempty" jsonschema:"description=Maximum number of results to return,default=3,minimum=0"`
}

type KnowledgeBase struct {
	entries []KnowledgeEntry
}

// LoadKnowledgeBase reads a YAML corpus from path, or the built-in corpus when
// path is empty.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	if path == "" {
		return ParseKnowledgeBase(defaultKnowledgeBase)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read knowledge base %s", path)
	}
	return ParseKnowledgeBase(data)
}

func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var doc struct {
		Entries []KnowledgeEntry `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse knowledge base")
	}

	seen := make(map[string]struct{}, len(doc.Entries))
	for i := range doc.Entries {
		e := &doc.Entries[i]
		if e.ID == "" || e.Title == "" {
			return nil, errors.Errorf("knowledge base entry %d: id and title are required", i)
		}
		if _, ok := seen[e.ID]; ok {
			return nil, errors.Errorf("knowledge base entry %s is duplicated", e.ID)
		}
		seen[e.ID] = struct{}{}
		e.Category = strings.ToLower(e.Category)
	}
	return &KnowledgeBase{entries: doc.Entries}, nil
}

func (kb *KnowledgeBase) Len() int {
	return len(kb.entries)
}

// Categories lists the distinct non-empty categories of the corpus, sorted.
func (kb *KnowledgeBase) Categories() []string {
	categories := lo.Uniq(lo.FilterMap(kb.entries, func(e KnowledgeEntry, _ int) (string, bool) {
		return e.Category, e.Category != ""
	}))
	slices.Sort(categories)
	return categories
}

// Search returns up to maxResults entries matching query, best first. An entry
// matches when the query occurs in its title or content, or when any single query
// word occurs in its content.
func (kb *KnowledgeBase) Search(query, category string, maxResults int) []KnowledgeResult {
	q := strings.ToLower(query)
	words := strings.Fields(q)
	category = strings.ToLower(category)

	results := make([]KnowledgeResult, 0, len(kb.entries))
	for _, e := range kb.entries {
		if category != "" && e.Category != category {
			continue
		}
		title := strings.ToLower(e.Title)
		content := strings.ToLower(e.Content)
		if !strings.Contains(title, q) && !strings.Contains(content, q) && !containsAny(content, words) {
			continue
		}
		results = append(results, KnowledgeResult{KnowledgeEntry: e, RelevanceScore: keywordMatchScore})
	}

	slices.SortStableFunc(results, func(a, b KnowledgeResult) int {
		switch {
		case a.RelevanceScore > b.RelevanceScore:
			return -1
		case a.RelevanceScore < b.RelevanceScore:
			return 1
		}
		return 0
	})

	if maxResults < 0 {
		maxResults = 0
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Tool exposes Search. The category enum of its schema follows the loaded corpus.
func (kb *KnowledgeBase) Tool() Tool {
	t := NewTool(
		KnowledgeBaseToolName,
		"Search the support knowledge base for customer help articles.",
		func(ctx context.Context, in KnowledgeSearchInput) ([]KnowledgeResult, error) {
			maxResults := DefaultMaxResults
			if in.MaxResults != nil {
				maxResults = *in.MaxResults
			}
			return kb.Search(in.Query, in.Category, maxResults), nil
		},
	)
	if categories := kb.Categories(); len(categories) > 0 && t.InputSchema.Properties != nil {
		if prop, ok := t.InputSchema.Properties.Get("category"); ok {
			prop.Enum = lo.ToAnySlice(categories)
		}
	}
	return t
}
