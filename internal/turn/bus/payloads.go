package bus

import "github.com/haasonsaas/nexus/pkg/models"

// Payload types for each event Name in the taxonomy. Event.Payload is
// asserted to the type matching Event.Name.

type ChunkPayload struct {
	Content string
}

type ToolCallPartialPayload struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

type ToolCallPayload struct {
	ToolName string
	Args     []byte
	CallID   string
}

type ResponsePayload struct {
	Content    string
	Reasoning  string
	TokenUsage *models.TurnTokenUsage
}

type ToolResultPayload struct {
	ToolName  string
	CallID    string
	Success   bool
	Sanitized any
	RawResult any
}

type ErrorPayload struct {
	Error       error
	Recoverable bool
	Context     string
}

type UnsupportedInputPayload struct {
	MIME   string
	Reason string
}

type ToolRunningPayload struct {
	ToolName   string
	ToolCallID string
}

type ToolBackgroundPayload struct {
	ToolName         string
	ToolCallID       string
	Description      string
	TimeoutMs        int
	NotifyOnComplete bool
}

type ApprovalRequestPayload struct {
	ApprovalID string
	Type       models.ApprovalRequestType
	Metadata   map[string]any
}

type ApprovalResponsePayload struct {
	ApprovalID string
	Status     models.ApprovalStatus
	Reason     string
	Data       map[string]any
}

type MessageQueuedPayload struct {
	ID       string
	Position int
}

type MessageDequeuedPayload struct {
	ID string
}

// SteeringInjectedPayload announces a steering-lane message: a priority
// interrupt that may ask the executor to abandon the current iteration's
// remaining tool dispatches.
type SteeringInjectedPayload struct {
	ID                 string
	Priority           int
	SkipRemainingTools bool
}

// ToolsSkippedPayload lists the tool calls a steering interrupt displaced;
// each skipped call still gets an error-valued tool result in history so
// the tool-call pairing invariant holds.
type ToolsSkippedPayload struct {
	SkippedCallIDs []string
	Reason         string
}

type ContextCompactingPayload struct {
	EstimatedTokens int
}

type ContextCompactedPayload struct {
	OriginalTokens    int
	CompactedTokens   int
	OriginalMessages  int
	CompactedMessages int
	Strategy          string
	Reason            string
}

type SessionTitlePayload struct {
	Title string
}

// RunCompleteReason is the terminal reason code on run:complete.
type RunCompleteReason string

const (
	RunCompleteOK        RunCompleteReason = "ok"
	RunCompleteCancelled RunCompleteReason = "cancelled"
	RunCompleteError     RunCompleteReason = "error"
	RunCompleteIterCap   RunCompleteReason = "iter_cap"
)

type RunCompletePayload struct {
	Reason RunCompleteReason
}
