package toolmanager

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeTool struct {
	id     string
	desc   string
	schema json.RawMessage
	fn     func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (t *fakeTool) ID() string              { return t.id }
func (t *fakeTool) Description() string     { return t.desc }
func (t *fakeTool) Schema() json.RawMessage { return t.schema }
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return &Result{Content: "ok"}, nil
}

type fakeProvider struct {
	tools []Tool
	calls int
}

func (p *fakeProvider) ListTools(ctx context.Context) ([]Tool, error) {
	p.calls++
	return p.tools, nil
}

func (p *fakeProvider) Execute(ctx context.Context, name string, args json.RawMessage, sessionID string) (*Result, error) {
	for _, t := range p.tools {
		if t.ID() == name {
			return t.Execute(ctx, args)
		}
	}
	return nil, errNotFound
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func TestRegistryRegisterLocalRejectsMCPID(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterLocal(&fakeTool{id: "mcp--fs--read_file"})
	if err == nil {
		t.Fatal("expected error registering an mcp-- id via RegisterLocal")
	}
}

func TestRegistryAllToolsAggregatesLocalAndProvider(t *testing.T) {
	r := NewRegistry()
	r.RegisterLocal(&fakeTool{id: "internal--echo"})
	r.RegisterProvider("fs", &fakeProvider{tools: []Tool{&fakeTool{id: "mcp--fs--read_file"}}})

	tools, err := r.AllTools(context.Background())
	if err != nil {
		t.Fatalf("AllTools: %v", err)
	}
	if _, ok := tools["internal--echo"]; !ok {
		t.Fatal("missing local tool")
	}
	if _, ok := tools["mcp--fs--read_file"]; !ok {
		t.Fatal("missing provider tool")
	}
}

func TestRegistryCacheInvalidatesOnRegister(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{tools: []Tool{&fakeTool{id: "mcp--fs--read_file"}}}
	r.RegisterProvider("fs", p)

	if _, err := r.AllTools(context.Background()); err != nil {
		t.Fatalf("AllTools: %v", err)
	}
	if _, err := r.AllTools(context.Background()); err != nil {
		t.Fatalf("AllTools: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("expected ListTools called once from cache, got %d", p.calls)
	}

	r.RegisterLocal(&fakeTool{id: "internal--noop"})
	if _, err := r.AllTools(context.Background()); err != nil {
		t.Fatalf("AllTools: %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("expected cache invalidation to re-list provider tools, got %d calls", p.calls)
	}
}

func TestRegistryUnregisterLocalRemovesTool(t *testing.T) {
	r := NewRegistry()
	r.RegisterLocal(&fakeTool{id: "internal--echo"})
	r.UnregisterLocal("internal--echo")

	_, ok, err := r.Get(context.Background(), "internal--echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected tool to be gone after UnregisterLocal")
	}
}

func TestRegistryRemoveProviderDropsItsTools(t *testing.T) {
	r := NewRegistry()
	r.RegisterProvider("fs", &fakeProvider{tools: []Tool{&fakeTool{id: "mcp--fs--read_file"}}})
	r.RemoveProvider("fs")

	tools, err := r.AllTools(context.Background())
	if err != nil {
		t.Fatalf("AllTools: %v", err)
	}
	if _, ok := tools["mcp--fs--read_file"]; ok {
		t.Fatal("expected provider tools gone after RemoveProvider")
	}
}

func TestRegistryProviderForResolvesMCPServer(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{tools: []Tool{&fakeTool{id: "mcp--fs--read_file"}}}
	r.RegisterProvider("fs", p)

	got, ok := r.ProviderFor("mcp--fs--read_file")
	if !ok || got != p {
		t.Fatalf("ProviderFor did not resolve the registered provider: got=%v ok=%v", got, ok)
	}

	if _, ok := r.ProviderFor("internal--echo"); ok {
		t.Fatal("ProviderFor should not resolve a non-mcp id")
	}
}
