// Package index keeps an in-memory full-text index over the aggregated
// tool catalog so `GET /tools?q=` can rank results instead of substring
// matching. The index is rebuilt per provider whenever a catalog
// refreshes; nothing is persisted.
package index

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// maxToolsPerProvider bounds the delete scan when a provider's catalog
// is replaced.
const maxToolsPerProvider = 1000

// ToolDocument is the indexed form of one tool.
type ToolDocument struct {
	ToolName    string `json:"tool_name"`
	ServerName  string `json:"server_name"`
	Description string `json:"description"`
	ParamsJSON  string `json:"params_json"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Server      string  `json:"server"`
	Tool        string  `json:"tool"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Index wraps the bleve index with provider-granular updates.
type Index struct {
	mu     sync.RWMutex
	idx    bleve.Index
	logger *zap.Logger
}

// New creates an empty in-memory index.
func New(logger *zap.Logger) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create tool index: %w", err)
	}
	return &Index{idx: idx, logger: logger}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	// Exact-match fields
	toolNameField := bleve.NewTextFieldMapping()
	toolNameField.Analyzer = keyword.Name
	toolNameField.Store = true
	toolMapping.AddFieldMappingsAt("tool_name", toolNameField)

	serverNameField := bleve.NewTextFieldMapping()
	serverNameField.Analyzer = keyword.Name
	serverNameField.Store = true
	toolMapping.AddFieldMappingsAt("server_name", serverNameField)

	// Full-text fields
	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	paramsField := bleve.NewTextFieldMapping()
	paramsField.Analyzer = standard.Name
	paramsField.Store = true
	toolMapping.AddFieldMappingsAt("params_json", paramsField)

	indexMapping.AddDocumentMapping("tool", toolMapping)
	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

// Close releases the index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.idx.Close()
}

func docID(server, tool string) string {
	return fmt.Sprintf("%s:%s", server, tool)
}

// UpdateProvider replaces one provider's documents with a fresh catalog.
func (ix *Index) UpdateProvider(server string, tools []mcp.Tool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.deleteProviderLocked(server); err != nil {
		return err
	}

	batch := ix.idx.NewBatch()
	for i := range tools {
		tool := &tools[i]
		params, err := json.Marshal(tool.InputSchema)
		if err != nil {
			params = nil
		}
		doc := &ToolDocument{
			ToolName:    tool.Name,
			ServerName:  server,
			Description: tool.Description,
			ParamsJSON:  string(params),
		}
		if err := batch.Index(docID(server, tool.Name), doc); err != nil {
			return fmt.Errorf("failed to stage tool %s: %w", tool.Name, err)
		}
	}
	if err := ix.idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to index catalog for %s: %w", server, err)
	}

	ix.logger.Debug("indexed provider catalog",
		zap.String("server", server),
		zap.Int("tools", len(tools)))
	return nil
}

// RemoveProvider drops every document attributed to the provider.
func (ix *Index) RemoveProvider(server string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.deleteProviderLocked(server)
}

func (ix *Index) deleteProviderLocked(server string) error {
	query := bleve.NewTermQuery(server)
	query.SetField("server_name")

	searchReq := bleve.NewSearchRequest(query)
	searchReq.Size = maxToolsPerProvider

	searchResult, err := ix.idx.Search(searchReq)
	if err != nil {
		return fmt.Errorf("failed to find documents for %s: %w", server, err)
	}
	for _, hit := range searchResult.Hits {
		if err := ix.idx.Delete(hit.ID); err != nil {
			ix.logger.Warn("failed to delete indexed tool",
				zap.String("doc_id", hit.ID), zap.Error(err))
		}
	}
	return nil
}

// Search ranks tools against a free-text query.
func (ix *Index) Search(query string, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	if limit <= 0 {
		limit = 20
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matchQuery := bleve.NewMatchQuery(query)
	searchReq := bleve.NewSearchRequest(matchQuery)
	searchReq.Size = limit
	searchReq.Fields = []string{"tool_name", "server_name", "description"}

	searchResult, err := ix.idx.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		results = append(results, SearchResult{
			Server:      getStringField(hit.Fields, "server_name"),
			Tool:        getStringField(hit.Fields, "tool_name"),
			Description: getStringField(hit.Fields, "description"),
			Score:       hit.Score,
		})
	}
	return results, nil
}

// DocCount returns the number of indexed tools.
func (ix *Index) DocCount() (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.idx.DocCount()
}

func getStringField(fields map[string]interface{}, fieldName string) string {
	if val, ok := fields[fieldName]; ok {
		if strVal, ok := val.(string); ok {
			return strVal
		}
	}
	return ""
}
