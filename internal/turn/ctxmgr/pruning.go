package ctxmgr

import (
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// PruningSettings configures the soft-trim/hard-clear pass that runs ahead
// of the compaction strategy, so summarization (an LLM call) only triggers
// when trimming alone cannot bring usage under threshold.
type PruningSettings struct {
	// KeepLastAssistants preserves tool results belonging to the N most
	// recent assistant turns untouched.
	KeepLastAssistants int

	// SoftTrimRatio/HardClearRatio gate whether trimming/clearing runs at
	// all, as a fraction of the packer's char budget.
	SoftTrimRatio float64
	HardClearRatio float64

	// MinPrunableToolChars guards against clearing small tool outputs that
	// wouldn't meaningfully reduce the budget.
	MinPrunableToolChars int

	SoftTrimMaxChars int
	SoftTrimHeadChars int
	SoftTrimTailChars int

	HardClearPlaceholder string
}

// DefaultPruningSettings returns the stock trim ratios and floors.
func DefaultPruningSettings() PruningSettings {
	return PruningSettings{
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50000,
		SoftTrimMaxChars:     4000,
		SoftTrimHeadChars:    1500,
		SoftTrimTailChars:    1500,
		HardClearPlaceholder: "[Old tool result content cleared]",
	}
}

// Prune applies the soft-trim then (if still over budget) hard-clear passes
// to old tool messages, marking InternalMessageMetadata.CompactedAt on
// anything it rewrites; the message's structural role in history (its
// ToolCallID/ToolName pairing) is always preserved.
func Prune(messages []*models.InternalMessage, settings PruningSettings, charWindow int) []*models.InternalMessage {
	if charWindow <= 0 {
		return messages
	}

	cutoff := findAssistantCutoffIndex(messages, settings.KeepLastAssistants)
	totalChars := 0
	for _, m := range messages {
		totalChars += estimateMessage(m)
	}
	if float64(totalChars)/float64(charWindow) < settings.SoftTrimRatio {
		return messages
	}

	out := make([]*models.InternalMessage, len(messages))
	copy(out, messages)

	for i := 0; i < cutoff; i++ {
		if out[i] == nil || out[i].Role != models.TurnRoleTool || out[i].Metadata.CompactedAt != nil {
			continue
		}
		out[i] = softTrim(out[i], settings)
	}

	prunableChars := 0
	for i := 0; i < cutoff; i++ {
		if out[i] != nil && out[i].Role == models.TurnRoleTool {
			prunableChars += len(out[i].Content[0].Text)
		}
	}
	if prunableChars < settings.MinPrunableToolChars {
		return out
	}

	totalChars = 0
	for _, m := range out {
		totalChars += estimateMessage(m)
	}
	for i := 0; i < cutoff && float64(totalChars)/float64(charWindow) >= settings.HardClearRatio; i++ {
		if out[i] == nil || out[i].Role != models.TurnRoleTool || out[i].Metadata.CompactedAt != nil {
			continue
		}
		cleared := *out[i]
		before := estimateMessage(out[i])
		cleared.Content = []models.ContentPart{{Type: models.ContentPartText, Text: settings.HardClearPlaceholder}}
		now := time.Now()
		cleared.Metadata.CompactedAt = &now
		out[i] = &cleared
		totalChars -= before - estimateMessage(&cleared)
	}

	return out
}

func softTrim(m *models.InternalMessage, settings PruningSettings) *models.InternalMessage {
	if len(m.Content) == 0 || m.Content[0].Type != models.ContentPartText {
		return m
	}
	text := m.Content[0].Text
	if len(text) <= settings.SoftTrimMaxChars {
		return m
	}
	head := text[:min(settings.SoftTrimHeadChars, len(text))]
	tailStart := len(text) - settings.SoftTrimTailChars
	if tailStart < 0 {
		tailStart = 0
	}
	tail := text[tailStart:]

	copyMsg := *m
	copyMsg.Content = []models.ContentPart{{
		Type: models.ContentPartText,
		Text: head + "\n...[trimmed]...\n" + tail,
	}}
	now := time.Now()
	copyMsg.Metadata.CompactedAt = &now
	return &copyMsg
}

func findAssistantCutoffIndex(messages []*models.InternalMessage, keepLastAssistants int) int {
	if keepLastAssistants <= 0 {
		return len(messages)
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.TurnRoleAssistant {
			seen++
			if seen >= keepLastAssistants {
				return i
			}
		}
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
