package toolmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus/internal/turn/toolid"
)

// Registry aggregates tools from multiple providers with namespacing. Tool
// listings are cached; the cache is invalidated on provider connect/remove
// and on policy updates.
type Registry struct {
	mu        sync.RWMutex
	local     map[string]Tool
	providers map[string]Provider // keyed by MCP server name
	cache     map[string]Tool     // invalidated wholesale on any provider change
	cacheOK   bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		local:     make(map[string]Tool),
		providers: make(map[string]Provider),
		cache:     make(map[string]Tool),
	}
}

// RegisterLocal adds an internal/custom tool (source "internal" or
// "custom"). The id must already carry its source prefix.
func (r *Registry) RegisterLocal(t Tool) error {
	id, err := toolid.Parse(t.ID())
	if err != nil {
		return err
	}
	if id.Source == toolid.SourceMCP {
		return fmt.Errorf("toolmanager: RegisterLocal given an mcp-- id %q; use RegisterProvider", t.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[t.ID()] = t
	r.invalidate()
	return nil
}

// UnregisterLocal removes a local tool by id.
func (r *Registry) UnregisterLocal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, id)
	r.invalidate()
}

// RegisterProvider connects an MCP provider under serverName. Its tools are
// namespaced "mcp--<serverName>--<name>" for listing/lookup purposes.
func (r *Registry) RegisterProvider(serverName string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[serverName] = p
	r.invalidate()
}

// ProviderForServer returns the provider registered under serverName.
func (r *Registry) ProviderForServer(serverName string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[serverName]
	return p, ok
}

// RemoveProvider disconnects an MCP provider.
func (r *Registry) RemoveProvider(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, serverName)
	r.invalidate()
}

func (r *Registry) invalidate() {
	r.cacheOK = false
}

// AllTools returns the cached, namespace-aggregated tool listing, rebuilding
// it if the cache was invalidated since the last call.
func (r *Registry) AllTools(ctx context.Context) (map[string]Tool, error) {
	r.mu.RLock()
	if r.cacheOK {
		snapshot := make(map[string]Tool, len(r.cache))
		for k, v := range r.cache {
			snapshot[k] = v
		}
		r.mu.RUnlock()
		return snapshot, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cacheOK {
		out := make(map[string]Tool, len(r.cache))
		for k, v := range r.cache {
			out[k] = v
		}
		return out, nil
	}

	fresh := make(map[string]Tool, len(r.local))
	for id, t := range r.local {
		fresh[id] = t
	}
	for server, p := range r.providers {
		tools, err := p.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("toolmanager: list tools from mcp server %q: %w", server, err)
		}
		for _, t := range tools {
			fresh[t.ID()] = t
		}
	}

	r.cache = fresh
	r.cacheOK = true
	out := make(map[string]Tool, len(fresh))
	for k, v := range fresh {
		out[k] = v
	}
	return out, nil
}

// Get looks up a single tool by fully-qualified id.
func (r *Registry) Get(ctx context.Context, id string) (Tool, bool, error) {
	tools, err := r.AllTools(ctx)
	if err != nil {
		return nil, false, err
	}
	t, ok := tools[id]
	return t, ok, nil
}

// InvalidatePolicy is called whenever approval/tool policy changes.
// Listing itself is policy-independent, but callers filtering by policy
// should treat any InvalidatePolicy call as a signal to recompute their
// own derived filtered view.
func (r *Registry) InvalidatePolicy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate()
}

// ProviderFor resolves the MCP provider backing a tool id, if any.
func (r *Registry) ProviderFor(id string) (Provider, bool) {
	parsed, err := toolid.Parse(id)
	if err != nil || parsed.Source != toolid.SourceMCP {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[parsed.Server]
	return p, ok
}
