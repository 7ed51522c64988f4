// Package kb provides a small in-memory full-text index over support
// knowledge-base documents. Matching snippets are fed into reply prompts.
package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"

	"responder/pkg/logx"
)

// Snippet is one retrieved document fragment with its relevance score.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Index is a memory-only bleve index over knowledge-base documents.
type Index struct {
	index  bleve.Index
	logger *logx.Logger
	docs   map[string]string
	mu     sync.RWMutex
}

type kbDocument struct {
	Text string `json:"text"`
}

// NewIndex creates an empty in-memory index. The English analyzer stems
// terms on both sides, so a query like "refund" still matches "Refunds".
func NewIndex() (*Index, error) {
	mapping := bleve.NewIndexMapping()
	mapping.DefaultAnalyzer = en.AnalyzerName
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create kb index: %w", err)
	}
	return &Index{
		index:  index,
		logger: logx.NewLogger("kb"),
		docs:   make(map[string]string),
	}, nil
}

// LoadDir indexes every .txt and .md file under dir, one document per file.
// A missing or empty dir leaves the index empty; retrieval then returns no
// snippets and prompts simply omit the context block.
func (i *Index) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		i.logger.Warn("Knowledge base dir %s does not exist, continuing without documents", dir)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read kb dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, fmt.Errorf("failed to read kb file %s: %w", entry.Name(), err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if err := i.Add(entry.Name(), text); err != nil {
			return loaded, err
		}
		loaded++
	}

	i.logger.Info("Indexed %d knowledge base documents from %s", loaded, dir)
	return loaded, nil
}

// Add indexes one document under the given id, replacing any previous
// document with the same id.
func (i *Index) Add(id, text string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.index.Index(id, kbDocument{Text: text}); err != nil {
		return fmt.Errorf("failed to index kb document %s: %w", id, err)
	}
	i.docs[id] = text
	return nil
}

// Len returns the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Retrieve returns up to k snippets matching the query, best first. An empty
// index or a query with no matches yields an empty slice.
func (i *Index) Retrieve(query string, k int) ([]Snippet, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.docs) == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}

	matchQuery := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k

	result, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("kb search failed: %w", err)
	}

	snippets := make([]Snippet, 0, len(result.Hits))
	for _, hit := range result.Hits {
		text, ok := i.docs[hit.ID]
		if !ok {
			continue
		}
		snippets = append(snippets, Snippet{Text: text, Score: hit.Score})
	}
	return snippets, nil
}

// Close releases the index.
func (i *Index) Close() error {
	if err := i.index.Close(); err != nil {
		return fmt.Errorf("failed to close kb index: %w", err)
	}
	return nil
}
