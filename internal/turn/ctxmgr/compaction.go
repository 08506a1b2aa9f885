package ctxmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// SummaryProvider generates a summary of messages. Injectable so tests and
// heuristic strategies can avoid a live model call.
type SummaryProvider interface {
	Summarize(ctx context.Context, messages []*models.InternalMessage, maxLength int) (string, error)
}

// Strategy decides which prefix of history to summarize and returns the
// resulting summary message(s). Returning an empty slice is a no-op.
type Strategy interface {
	Compact(ctx context.Context, sessionID string, history []*models.InternalMessage, model ModelDescriptor) ([]*models.InternalMessage, error)
}

// RollingSummaryConfig configures RollingSummaryStrategy.
type RollingSummaryConfig struct {
	MaxMsgsBeforeSummary int
	KeepRecentMessages   int
	MaxSummaryLength     int
}

// DefaultRollingSummaryConfig returns the stock rolling-summary bounds.
func DefaultRollingSummaryConfig() RollingSummaryConfig {
	return RollingSummaryConfig{MaxMsgsBeforeSummary: 30, KeepRecentMessages: 10, MaxSummaryLength: 2000}
}

// RollingSummaryStrategy summarizes the oldest messages since the last
// summary, keeping the most recent KeepRecentMessages untouched for
// recency.
type RollingSummaryStrategy struct {
	provider SummaryProvider
	config   RollingSummaryConfig
}

// NewRollingSummaryStrategy constructs a RollingSummaryStrategy.
func NewRollingSummaryStrategy(provider SummaryProvider, config RollingSummaryConfig) *RollingSummaryStrategy {
	if config.MaxMsgsBeforeSummary <= 0 {
		config.MaxMsgsBeforeSummary = 30
	}
	if config.KeepRecentMessages <= 0 {
		config.KeepRecentMessages = 10
	}
	if config.MaxSummaryLength <= 0 {
		config.MaxSummaryLength = 2000
	}
	return &RollingSummaryStrategy{provider: provider, config: config}
}

// Compact implements Strategy.
func (s *RollingSummaryStrategy) Compact(ctx context.Context, sessionID string, history []*models.InternalMessage, _ ModelDescriptor) ([]*models.InternalMessage, error) {
	currentSummary := FindLatestSummary(history)
	sinceSummary := messagesSince(history, currentSummary)
	if len(sinceSummary) <= s.config.MaxMsgsBeforeSummary {
		return nil, nil
	}

	toSummarize := sinceSummary
	if keep := s.config.KeepRecentMessages; keep > 0 && keep < len(toSummarize) {
		toSummarize = toSummarize[:len(toSummarize)-keep]
	}
	if len(toSummarize) == 0 {
		return nil, nil
	}

	content, err := s.provider.Summarize(ctx, toSummarize, s.config.MaxSummaryLength)
	if err != nil {
		return nil, fmt.Errorf("compaction: summarize failed: %w", err)
	}

	originalCount := indexByID(history, toSummarize[len(toSummarize)-1].ID) + 1

	summary := &models.InternalMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.TurnRoleSystem,
		Content:   []models.ContentPart{{Type: models.ContentPartText, Text: content}},
		Metadata: models.InternalMessageMetadata{
			IsSummary:            true,
			OriginalMessageCount: originalCount,
		},
		CreatedAt: time.Now(),
	}
	return []*models.InternalMessage{summary}, nil
}

func messagesSince(history []*models.InternalMessage, summary *models.InternalMessage) []*models.InternalMessage {
	if summary == nil {
		return history
	}
	idx := indexByID(history, summary.ID)
	if idx < 0 {
		return history
	}
	return history[idx+1:]
}

// ClearContextSummary builds the empty-summary marker a context clear
// appends: semantically equivalent to a real summary but with no content,
// so everything before it is filtered from model context while remaining
// in storage.
func ClearContextSummary(sessionID string, originalMessageCount int) *models.InternalMessage {
	return &models.InternalMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.TurnRoleSystem,
		Content:   nil,
		Metadata: models.InternalMessageMetadata{
			IsSummary:            true,
			IsSessionSummary:     true,
			OriginalMessageCount: originalMessageCount,
		},
		CreatedAt: time.Now(),
	}
}

// ShouldTriggerCompaction reports whether the estimated next-turn token
// count exceeds contextWindow * thresholdPercent. A thresholdPercent of
// 1.0 (the default) disables compaction entirely.
func ShouldTriggerCompaction(estimated, contextWindow int, thresholdPercent float64) bool {
	if thresholdPercent >= 1.0 {
		return false
	}
	if contextWindow <= 0 {
		return false
	}
	return float64(estimated) > float64(contextWindow)*thresholdPercent
}
