package models

import (
	"encoding/json"
	"time"
)

// ContentPartType discriminates the tagged-union ContentPart variants carried
// by an InternalMessage.
type ContentPartType string

const (
	ContentPartText       ContentPartType = "text"
	ContentPartImage      ContentPartType = "image"
	ContentPartFile       ContentPartType = "file"
	ContentPartUIResource ContentPartType = "ui_resource"
)

// BlobRefPrefix marks a string as an indirection into the blob store rather
// than inline bytes, e.g. "@blob:a1b2c3".
const BlobRefPrefix = "@blob:"

// ContentPart is one part of a turn message's content. Exactly one of the
// data-carrying fields (Text, Data, or BlobRef) applies depending on Type; a
// part never carries both inline bytes and a blob reference.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	// Text holds the content for Type == ContentPartText.
	Text string `json:"text,omitempty"`

	// Data holds inline bytes (base64 over the wire) for Image/File/UIResource
	// parts that are not blob-backed.
	Data []byte `json:"data,omitempty"`

	// BlobRef holds a "@blob:<id>" reference in place of Data.
	BlobRef string `json:"blob_ref,omitempty"`

	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`

	// URI/Content are used by UIResource parts, which may carry either an
	// external URI or inline content, optionally blob-backed.
	URI string `json:"uri,omitempty"`
}

// IsBlobRef reports whether this part's data is a blob-store indirection.
func (c ContentPart) IsBlobRef() bool {
	return c.BlobRef != "" || (c.Type == ContentPartText && len(c.Text) >= len(BlobRefPrefix) && c.Text[:len(BlobRefPrefix)] == BlobRefPrefix)
}

// InternalTurnRole is the role tag on an InternalMessage.
type InternalTurnRole string

const (
	TurnRoleSystem    InternalTurnRole = "system"
	TurnRoleUser      InternalTurnRole = "user"
	TurnRoleAssistant InternalTurnRole = "assistant"
	TurnRoleTool      InternalTurnRole = "tool"
)

// InternalToolCall is an assistant-issued request to invoke a tool.
type InternalToolCall struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	ArgsRaw json.RawMessage `json:"args_json"`
}

// TurnTokenUsage is the token accounting attached to an assistant message.
type TurnTokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Total     int `json:"total"`
	Reasoning int `json:"reasoning,omitempty"`
}

// InternalMessageMetadata carries the out-of-band bookkeeping fields
// InternalMessage needs for compaction and accounting. Stored as a typed
// struct (rather than map[string]any, as the sibling Message type uses) since
// every field here has runtime-significant meaning to the turn runtime.
type InternalMessageMetadata struct {
	IsSummary            bool            `json:"is_summary,omitempty"`
	IsSessionSummary     bool            `json:"is_session_summary,omitempty"`
	OriginalMessageCount int             `json:"original_message_count,omitempty"`
	CompactedAt          *time.Time      `json:"compacted_at,omitempty"`
	TokenUsage           *TurnTokenUsage `json:"token_usage,omitempty"`
}

// InternalMessage is one entry in a session's ConversationHistory. Messages
// are append-only; compaction never rewrites a message in place, it only
// appends a summary message and leaves CompactedAt set on pruned entries.
type InternalMessage struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Role      InternalTurnRole   `json:"role"`
	Content   []ContentPart      `json:"content,omitempty"`
	ToolCalls []InternalToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set only on role == tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	Metadata  InternalMessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// ApprovalRequestType distinguishes the kinds of rendezvous the
// ApprovalManager can issue.
type ApprovalRequestType string

const (
	ApprovalTypeToolConfirmation ApprovalRequestType = "tool_confirmation"
	ApprovalTypeDirectoryAccess  ApprovalRequestType = "directory_access"
	ApprovalTypeElicitation      ApprovalRequestType = "elicitation"
)

// ApprovalStatus is the resolution of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusDenied    ApprovalStatus = "denied"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// ApprovalCancelReason explains an ApprovalStatusCancelled resolution.
type ApprovalCancelReason string

const (
	ApprovalCancelExternal ApprovalCancelReason = "external"
	ApprovalCancelTimeout  ApprovalCancelReason = "timeout"
)

// TurnApprovalRequest is the rendezvous request emitted on the EventBus and
// awaited by the ApprovalManager.
type TurnApprovalRequest struct {
	ID        string              `json:"id"`
	Type      ApprovalRequestType `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// TurnApprovalResponse is the rendezvous reply.
type TurnApprovalResponse struct {
	ID        string         `json:"id"`
	Status    ApprovalStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// QueuedMessage is one FIFO entry in a session's MessageQueue.
type QueuedMessage struct {
	ID         string        `json:"id"`
	Content    []ContentPart `json:"content"`
	EnqueuedAt time.Time     `json:"enqueued_at"`

	// Priority and SkipRemainingTools support the steering lane; a plain
	// queued message leaves both at zero value.
	Priority           int  `json:"priority,omitempty"`
	SkipRemainingTools bool `json:"skip_remaining_tools,omitempty"`
}

// ToolID is the parsed form of a fully-qualified tool identifier:
// "mcp--<server>--<name>", "internal--<name>", or "custom--<name>".
type ToolID struct {
	Source string // "mcp", "internal", "custom"
	Server string // non-empty only for source == "mcp"
	Name   string
}
