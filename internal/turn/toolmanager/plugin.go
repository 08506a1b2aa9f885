package toolmanager

import (
	"context"
	"encoding/json"
	"sync"
)

// Plugin observes or intercepts tool execution at the two hook points the
// execution pipeline exposes.
type Plugin interface {
	// BeforeToolCall runs after approval and before Execute. Returning a
	// non-nil override short-circuits Execute with that result.
	BeforeToolCall(ctx context.Context, sessionID, toolID string, args json.RawMessage) (override *Result)
	// AfterToolResult runs after Execute (or after a BeforeToolCall
	// override) and may rewrite the result before it is returned/emitted.
	AfterToolResult(ctx context.Context, sessionID, toolID string, args json.RawMessage, result *Result)
}

// PluginFunc pair lets ordinary functions satisfy Plugin; either may be nil.
type PluginFuncs struct {
	Before func(ctx context.Context, sessionID, toolID string, args json.RawMessage) *Result
	After  func(ctx context.Context, sessionID, toolID string, args json.RawMessage, result *Result)
}

func (f PluginFuncs) BeforeToolCall(ctx context.Context, sessionID, toolID string, args json.RawMessage) *Result {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, sessionID, toolID, args)
}

func (f PluginFuncs) AfterToolResult(ctx context.Context, sessionID, toolID string, args json.RawMessage, result *Result) {
	if f.After == nil {
		return
	}
	f.After(ctx, sessionID, toolID, args, result)
}

// pluginRegistry dispatches to registered plugins in registration order,
// recovering from panics so one misbehaving plugin cannot abort a call.
type pluginRegistry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

func newPluginRegistry() *pluginRegistry {
	return &pluginRegistry{}
}

func (r *pluginRegistry) use(p Plugin) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

func (r *pluginRegistry) before(ctx context.Context, sessionID, toolID string, args json.RawMessage) (override *Result) {
	r.mu.RLock()
	plugins := append([]Plugin(nil), r.plugins...)
	r.mu.RUnlock()

	for _, p := range plugins {
		func() {
			defer func() { recover() }()
			if o := p.BeforeToolCall(ctx, sessionID, toolID, args); o != nil {
				override = o
			}
		}()
		if override != nil {
			return override
		}
	}
	return nil
}

func (r *pluginRegistry) after(ctx context.Context, sessionID, toolID string, args json.RawMessage, result *Result) {
	r.mu.RLock()
	plugins := append([]Plugin(nil), r.plugins...)
	r.mu.RUnlock()

	for _, p := range plugins {
		func() {
			defer func() { recover() }()
			p.AfterToolResult(ctx, sessionID, toolID, args, result)
		}()
	}
}
