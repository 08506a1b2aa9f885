package ctxmgr

import (
	"github.com/haasonsaas/nexus/pkg/models"
)

// Token estimation constants. A char-based proxy rather than a real
// tokenizer; API-reported actuals dominate after the first model call, so
// precision here buys little.
const (
	charsPerToken      = 4
	imageTokens        = 1000
	fileTokensFallback = 1000
)

// CalculationBasis records whether a token estimate derives from the last
// model call's reported actuals or pure estimation.
type CalculationBasis string

const (
	BasisActuals  CalculationBasis = "actuals"
	BasisEstimate CalculationBasis = "estimate"
)

// TokenBreakdown itemizes where the estimated token budget went.
type TokenBreakdown struct {
	SystemPrompt int
	Tools        int
	Messages     int
}

// TokenEstimate is the return value of getContextTokenEstimate.
type TokenEstimate struct {
	Estimated        int
	Actual           *int
	Breakdown        TokenBreakdown
	CalculationBasis CalculationBasis
}

// ToolDescriptor is the minimal shape ContextManager needs from a Tool to
// estimate its contribution to the context budget (name + description +
// JSON schema), independent of the toolmanager package to avoid an import
// cycle.
type ToolDescriptor struct {
	Name        string
	Description string
	SchemaJSON  []byte
}

func estimateText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

func estimatePart(p models.ContentPart) int {
	switch p.Type {
	case models.ContentPartImage:
		return imageTokens
	case models.ContentPartFile, models.ContentPartUIResource:
		return fileTokensFallback
	default:
		return estimateText(p.Text)
	}
}

func estimateMessage(m *models.InternalMessage) int {
	if m == nil {
		return 0
	}
	total := 0
	for _, p := range m.Content {
		total += estimatePart(p)
	}
	for _, tc := range m.ToolCalls {
		total += estimateText(tc.Name) + estimateText(string(tc.ArgsRaw))
	}
	if m.ToolCallID != "" {
		total += estimateText(m.ToolName)
	}
	return total
}

func estimateTools(tools []ToolDescriptor) int {
	total := 0
	for _, t := range tools {
		total += estimateText(t.Name) + estimateText(t.Description) + estimateText(string(t.SchemaJSON))
	}
	return total
}

// Estimate computes a TokenEstimate. When lastActualInput/lastActualOutput
// are not both 0 (a prior model call reported real usage), the estimate is
// derived from them plus an estimate of only the messages newer than that
// call (newSinceActuals); otherwise it is pure estimation over the full
// message set.
func Estimate(systemPrompt string, tools []ToolDescriptor, messages []*models.InternalMessage, newSinceActuals []*models.InternalMessage, lastActualInput, lastActualOutput int) TokenEstimate {
	sys := estimateText(systemPrompt)
	toolsTotal := estimateTools(tools)

	if lastActualInput > 0 || lastActualOutput > 0 {
		newEstimate := 0
		for _, m := range newSinceActuals {
			newEstimate += estimateMessage(m)
		}
		total := lastActualInput + lastActualOutput + newEstimate
		actual := lastActualInput + lastActualOutput
		return TokenEstimate{
			Estimated:        total,
			Actual:           &actual,
			Breakdown:        TokenBreakdown{SystemPrompt: sys, Tools: toolsTotal, Messages: newEstimate},
			CalculationBasis: BasisActuals,
		}
	}

	msgsTotal := 0
	for _, m := range messages {
		msgsTotal += estimateMessage(m)
	}
	return TokenEstimate{
		Estimated:        sys + toolsTotal + msgsTotal,
		Breakdown:        TokenBreakdown{SystemPrompt: sys, Tools: toolsTotal, Messages: msgsTotal},
		CalculationBasis: BasisEstimate,
	}
}
