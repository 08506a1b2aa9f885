// Package toolid parses and formats fully-qualified tool identifiers.
// Every tool id carries a source prefix; a tool without one is unresolvable
// by the ToolManager.
package toolid

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

const sep = "--"

const (
	SourceMCP      = "mcp"
	SourceInternal = "internal"
	SourceCustom   = "custom"
)

// Parse splits a fully-qualified id into its ToolID form. An MCP id may
// carry a server segment: "mcp--<server>--<name>"; without one it is
// "mcp--<name>" and Server is left empty.
func Parse(id string) (models.ToolID, error) {
	parts := strings.Split(id, sep)
	if len(parts) < 2 {
		return models.ToolID{}, fmt.Errorf("toolid: %q has no source prefix", id)
	}

	source := parts[0]
	switch source {
	case SourceMCP:
		switch len(parts) {
		case 2:
			return models.ToolID{Source: source, Name: parts[1]}, nil
		default:
			return models.ToolID{Source: source, Server: parts[1], Name: strings.Join(parts[2:], sep)}, nil
		}
	case SourceInternal, SourceCustom:
		return models.ToolID{Source: source, Name: strings.Join(parts[1:], sep)}, nil
	default:
		return models.ToolID{}, fmt.Errorf("toolid: %q has unrecognized source %q", id, source)
	}
}

// Format renders a ToolID back to its wire string form.
func Format(id models.ToolID) string {
	if id.Source == SourceMCP && id.Server != "" {
		return strings.Join([]string{id.Source, id.Server, id.Name}, sep)
	}
	return strings.Join([]string{id.Source, id.Name}, sep)
}

// MatchesPattern reports whether toolID (a fully-qualified id) matches
// pattern, honoring MCP suffix matching: pattern "mcp--read_file" matches
// "mcp--<server>--read_file" for any server.
func MatchesPattern(pattern, toolID string) bool {
	if pattern == toolID {
		return true
	}
	if !strings.HasPrefix(pattern, SourceMCP+sep) {
		return false
	}
	want, err1 := Parse(pattern)
	got, err2 := Parse(toolID)
	if err1 != nil || err2 != nil {
		return false
	}
	if want.Server != "" {
		return false // pattern already names a specific server; exact match only
	}
	return got.Source == SourceMCP && got.Name == want.Name
}
