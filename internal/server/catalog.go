package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/auth"
	"github.com/agenticwork/mcp-proxy/internal/jsonrpc"
	"github.com/agenticwork/mcp-proxy/internal/provider"
	"github.com/agenticwork/mcp-proxy/internal/storage"
)

// detectTimeout bounds one auto-detect probe. A provider that cannot
// list its tools in this window is skipped, not failed.
const detectTimeout = 5 * time.Second

// catalogCache holds the last known tool listing per provider. The
// persisted copy in the bolt store survives restarts; the index is
// rebuilt from refreshes.
type catalogCache struct {
	mu    sync.RWMutex
	tools map[string][]mcp.Tool
}

// ToolsCatalog is the aggregated, policy-filtered tool listing.
type ToolsCatalog struct {
	Tools       []map[string]any      `json:"tools"`
	ByServer    map[string][]mcp.Tool `json:"by_server"`
	TotalCount  int                   `json:"total_count"`
	ServerCount int                   `json:"server_count"`
	Metadata    map[string]any        `json:"metadata"`
}

// ProviderCatalog is a single provider's tool listing.
type ProviderCatalog struct {
	Server string     `json:"server"`
	Tools  []mcp.Tool `json:"tools"`
}

// warmCatalogs refreshes the catalog of every running provider in
// parallel, once the startup launches have settled.
func (s *Server) warmCatalogs(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.registry.Providers() {
		if p.Status() != provider.StatusRunning {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.refreshCatalog(ctx, name)
		}(p.Name())
	}
	wg.Wait()
}

// refreshCatalog re-reads one provider's tool listing and propagates it
// to the memory cache, the persisted catalog and the search index.
func (s *Server) refreshCatalog(ctx context.Context, name string) {
	p, ok := s.registry.Get(name)
	if !ok {
		return
	}
	tools, err := p.ListTools(ctx)
	if err != nil {
		s.logger.Warn("catalog refresh failed",
			zap.String("server", name), zap.Error(err))
		return
	}
	s.cacheTools(name, tools)
	s.persistCatalog(name, tools)
	s.logger.Info("catalog refreshed",
		zap.String("server", name), zap.Int("tools", len(tools)))
}

// cacheTools replaces the in-memory listing for one provider.
func (s *Server) cacheTools(name string, tools []mcp.Tool) {
	s.catalog.mu.Lock()
	s.catalog.tools[name] = tools
	s.catalog.mu.Unlock()
	s.publishCatalogMetrics()
}

func (s *Server) persistCatalog(name string, tools []mcp.Tool) {
	raw, err := json.Marshal(tools)
	if err == nil {
		err = s.bolt.SaveToolCatalog(&storage.ToolCatalog{
			Provider:  name,
			Tools:     raw,
			ToolCount: len(tools),
			UpdatedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		s.logger.Warn("failed to persist tool catalog",
			zap.String("server", name), zap.Error(err))
	}
	if err := s.index.UpdateProvider(name, tools); err != nil {
		s.logger.Warn("failed to index tool catalog",
			zap.String("server", name), zap.Error(err))
	}
}

// cachedTools returns the last known listing for a provider, falling
// back to the catalog persisted by a previous run.
func (s *Server) cachedTools(name string) ([]mcp.Tool, bool) {
	s.catalog.mu.RLock()
	tools, ok := s.catalog.tools[name]
	s.catalog.mu.RUnlock()
	if ok {
		return tools, true
	}
	cat, err := s.bolt.GetToolCatalog(name)
	if err != nil || cat == nil {
		return nil, false
	}
	var loaded []mcp.Tool
	if err := json.Unmarshal(cat.Tools, &loaded); err != nil {
		return nil, false
	}
	s.cacheTools(name, loaded)
	return loaded, true
}

// invalidateCatalog drops every trace of a removed provider's tools.
func (s *Server) invalidateCatalog(name string) {
	s.catalog.mu.Lock()
	delete(s.catalog.tools, name)
	s.catalog.mu.Unlock()
	if err := s.bolt.DeleteToolCatalog(name); err != nil {
		s.logger.Warn("failed to delete tool catalog",
			zap.String("server", name), zap.Error(err))
	}
	if err := s.index.RemoveProvider(name); err != nil {
		s.logger.Warn("failed to drop provider from index",
			zap.String("server", name), zap.Error(err))
	}
	s.publishCatalogMetrics()
}

// publishCatalogMetrics pushes the catalog-derived gauges.
func (s *Server) publishCatalogMetrics() {
	s.catalog.mu.RLock()
	total := 0
	for _, tools := range s.catalog.tools {
		total += len(tools)
	}
	s.catalog.mu.RUnlock()
	s.obs.SetToolsTotal(total)
	if n, err := s.index.DocCount(); err == nil {
		s.obs.SetIndexSize(n)
	}
}

// detectProvider finds the running provider that advertises the named
// tool. Cached catalogs answer first; running providers with no catalog
// yet are probed live, in registration order.
func (s *Server) detectProvider(ctx context.Context, toolName string) string {
	for _, p := range s.registry.Providers() {
		if p.Status() != provider.StatusRunning {
			continue
		}
		name := p.Name()
		tools, known := s.cachedTools(name)
		if !known {
			var ok bool
			tools, ok = s.probeTools(ctx, p)
			if !ok {
				continue
			}
			s.cacheTools(name, tools)
		}
		if hasTool(tools, toolName) {
			s.logger.Info("auto-detected server for tool",
				zap.String("tool", toolName), zap.String("server", name))
			return name
		}
	}
	return ""
}

// probeTools asks one provider for its tool listing with a bounded,
// individually correlated request. A failed probe skips the provider.
func (s *Server) probeTools(ctx context.Context, p *provider.Provider) ([]mcp.Tool, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	resp, err := p.Call(probeCtx, jsonrpc.NewRequest(provider.NewCorrelationID("auto-detect"), "tools/list", nil))
	if err != nil || resp.Error != nil {
		return nil, false
	}
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, false
	}
	return result.Tools, true
}

func hasTool(tools []mcp.Tool, name string) bool {
	for i := range tools {
		if tools[i].Name == name {
			return true
		}
	}
	return false
}

// AggregateTools lists every tool the principal may reach, grouped by
// provider and flattened with server attribution. A query reorders the
// flat list by index relevance and attaches scores.
func (s *Server) AggregateTools(ctx context.Context, pr *auth.Principal, query string) (*ToolsCatalog, error) {
	all := s.registry.ListAllTools(ctx)

	var policies map[string]string
	if pr != nil && !pr.IsAdmin {
		policies = s.policy.Policies(ctx, pr.Groups)
	}

	accessible := make(map[string][]mcp.Tool)
	for name, tools := range all {
		if s.policy.Allowed(name, pr, policies) {
			accessible[name] = tools
			s.cacheTools(name, tools)
		}
	}

	flat := make([]map[string]any, 0)
	for _, name := range s.registry.Names() {
		tools, ok := accessible[name]
		if !ok {
			continue
		}
		for i := range tools {
			entry, err := flattenTool(name, tools[i])
			if err != nil {
				s.logger.Warn("skipping unserializable tool",
					zap.String("server", name), zap.String("tool", tools[i].Name), zap.Error(err))
				continue
			}
			flat = append(flat, entry)
		}
	}

	if query != "" {
		flat = s.rankTools(query, flat)
	}

	userName := "anonymous"
	if pr != nil && pr.Name != "" {
		userName = pr.Name
	}
	groups := []string{}
	isAdmin := false
	if pr != nil {
		isAdmin = pr.IsAdmin
		if pr.Groups != nil {
			groups = pr.Groups
		}
	}

	return &ToolsCatalog{
		Tools:       flat,
		ByServer:    accessible,
		TotalCount:  len(flat),
		ServerCount: len(accessible),
		Metadata: map[string]any{
			"user":                     userName,
			"is_admin":                 isAdmin,
			"groups":                   groups,
			"access_policies_applied":  len(policies),
			"total_servers_available":  len(all),
			"total_servers_accessible": len(accessible),
		},
	}, nil
}

// flattenTool renders one tool as a name-keyed map with the owning
// server attached.
func flattenTool(server string, tool mcp.Tool) (map[string]any, error) {
	raw, err := json.Marshal(tool)
	if err != nil {
		return nil, err
	}
	entry := make(map[string]any)
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	entry["server"] = server
	return entry, nil
}

// rankTools reorders the flat listing by index relevance. Tools outside
// the caller's accessible set never appear, indexed or not.
func (s *Server) rankTools(query string, flat []map[string]any) []map[string]any {
	if len(flat) == 0 {
		return flat
	}
	results, err := s.index.Search(query, len(flat))
	if err != nil {
		s.logger.Warn("tool search failed",
			zap.String("query", query), zap.Error(err))
		return flat
	}
	byKey := make(map[string]map[string]any, len(flat))
	for _, entry := range flat {
		server, _ := entry["server"].(string)
		name, _ := entry["name"].(string)
		byKey[server+"\x00"+name] = entry
	}
	ranked := make([]map[string]any, 0, len(results))
	for _, res := range results {
		entry, ok := byKey[res.Server+"\x00"+res.Tool]
		if !ok {
			continue
		}
		entry["relevance_score"] = res.Score
		ranked = append(ranked, entry)
	}
	return ranked
}

// ProviderTools lists one provider's tools live.
func (s *Server) ProviderTools(ctx context.Context, name string) (*ProviderCatalog, error) {
	p, ok := s.registry.Get(name)
	if !ok {
		return nil, errOf(KindUnknownProvider, "Server %s not found", name)
	}
	tools, err := p.ListTools(ctx)
	if err != nil {
		return nil, wrapErr(KindInternal, err, "%v", err)
	}
	s.cacheTools(name, tools)
	return &ProviderCatalog{Server: name, Tools: tools}, nil
}
