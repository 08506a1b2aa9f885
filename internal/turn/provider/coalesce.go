package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// toolCallAccumulator assembles one tool call's streamed delta fragments.
type toolCallAccumulator struct {
	id       string
	syntheticID bool
	name     string
	args     strings.Builder
}

// Coalescer assembles tool-call deltas by index: it assigns a synthetic id
// (index-derived) until a real id arrives, and only emits ToolCallFinal
// once the name is non-empty and the accumulated JSON parses.
type Coalescer struct {
	byIndex map[int]*toolCallAccumulator
}

// NewCoalescer constructs an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{byIndex: make(map[int]*toolCallAccumulator)}
}

// Partial folds one ToolCallPartial event into the accumulator at index,
// returning the (possibly synthetic) id currently assigned to it.
func (c *Coalescer) Partial(index int, id, name, argsDelta string) string {
	acc, ok := c.byIndex[index]
	if !ok {
		acc = &toolCallAccumulator{id: fmt.Sprintf("synthetic-%d", index), syntheticID: true}
		c.byIndex[index] = acc
	}
	if id != "" {
		acc.id = id
		acc.syntheticID = false
	}
	if name != "" {
		acc.name = name
	}
	acc.args.WriteString(argsDelta)
	return acc.id
}

// TryFinal reports whether the accumulator at index is ready to finalize
// (non-empty name, parseable JSON args) and, if so, returns its id, name,
// and raw args and removes it from the accumulator map.
func (c *Coalescer) TryFinal(index int) (id, name string, args []byte, ready bool) {
	acc, ok := c.byIndex[index]
	if !ok || acc.name == "" {
		return "", "", nil, false
	}
	raw := acc.args.String()
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return "", "", nil, false
	}
	delete(c.byIndex, index)
	return acc.id, acc.name, []byte(raw), true
}

// Abandoned returns the indices still held because they were never
// finalized (no name, or unparseable args), in no particular order. It
// emits nothing; the adapters do not turn these indices into tool results.
func (c *Coalescer) Abandoned() []int {
	var idx []int
	for i := range c.byIndex {
		idx = append(idx, i)
	}
	return idx
}
