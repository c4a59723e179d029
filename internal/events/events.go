// Package events defines the typed wire event payloads exchanged between
// the sandboxed agent binary and the container bridge (§6.1), the
// container-agent stream namespace those events map onto (§6.3), and JSON
// Schema validation for the wire contract.
package events

// Container event types emitted by the agent binary on its stdout, one
// JSON object per line.
const (
	TypeStarted     = "agent:started"
	TypeToken       = "agent:token"
	TypeTurn        = "agent:turn"
	TypeToolStart   = "agent:tool:start"
	TypeToolResult  = "agent:tool:result"
	TypeMessage     = "agent:message"
	TypePlanReady   = "agent:plan_ready"
	TypeComplete    = "agent:complete"
	TypeError       = "agent:error"
	TypeCancelled   = "agent:cancelled"
	TypeFileChanged = "agent:file_changed"
)

// Stream event suffixes published on the container-agent:<suffix> namespace.
// plan_ready has no stream suffix — it is terminal-callback-only per §4.5.
const (
	StreamStarted     = "container-agent:started"
	StreamToken       = "container-agent:token"
	StreamTurn        = "container-agent:turn"
	StreamToolStart   = "container-agent:tool:start"
	StreamToolResult  = "container-agent:tool:result"
	StreamMessage     = "container-agent:message"
	StreamComplete    = "container-agent:complete"
	StreamError       = "container-agent:error"
	StreamCancelled   = "container-agent:cancelled"
	StreamFileChanged = "container-agent:file_changed"
	StreamWarning     = "agent:warning"
	StreamTurnLimit   = "agent:turn_limit"
)

// containerToStream is the routing table from §4.5. A type absent from this
// map (e.g. agent:plan_ready) is never published to a stream.
var containerToStream = map[string]string{
	TypeStarted:     StreamStarted,
	TypeToken:       StreamToken,
	TypeTurn:        StreamTurn,
	TypeToolStart:   StreamToolStart,
	TypeToolResult:  StreamToolResult,
	TypeMessage:     StreamMessage,
	TypeComplete:    StreamComplete,
	TypeError:       StreamError,
	TypeCancelled:   StreamCancelled,
	TypeFileChanged: StreamFileChanged,
}

// StreamSuffixFor returns the stream event type for a container event type,
// and ok=false if that type is never published to a stream (plan_ready, or
// an unrecognized type).
func StreamSuffixFor(containerType string) (string, bool) {
	s, ok := containerToStream[containerType]
	return s, ok
}

// RawEvent is the parsed shape of one agent-binary wire line, before the
// per-type Data payload is interpreted.
type RawEvent struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskID    string         `json:"taskId"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
}

// Payload structs for each event type, used by callers that need typed
// access after a RawEvent has been routed by Type.

type StartedData struct {
	Model    string `json:"model"`
	MaxTurns int    `json:"maxTurns"`
}

type TokenData struct {
	Text       string `json:"text"`
	Accumulated string `json:"accumulated,omitempty"`
}

type TurnData struct {
	Turn      int `json:"turn"`
	MaxTurns  int `json:"maxTurns"`
	Remaining int `json:"remaining"`
}

type ToolStartData struct {
	ToolName string `json:"toolName"`
	ToolID   string `json:"toolId"`
	Input    any    `json:"input"`
}

type ToolResultData struct {
	ToolName string `json:"toolName"`
	ToolID   string `json:"toolId"`
	Output   any    `json:"output"`
	IsError  bool   `json:"isError,omitempty"`
}

type MessageData struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AllowedPrompt struct {
	Tool   string `json:"tool"`
	Prompt string `json:"prompt"`
}

type PlanReadyData struct {
	Plan           string          `json:"plan"`
	TurnCount      int             `json:"turnCount"`
	SDKSessionID   string          `json:"sdkSessionId"`
	AllowedPrompts []AllowedPrompt `json:"allowedPrompts,omitempty"`
}

type CompleteData struct {
	Status    string `json:"status"` // completed|turn_limit|cancelled
	TurnCount int    `json:"turnCount"`
	Result    any    `json:"result,omitempty"`
}

type ErrorData struct {
	Error     string `json:"error"`
	TurnCount int    `json:"turnCount"`
}

type CancelledData struct {
	TurnCount int `json:"turnCount"`
}

type FileChangedData struct {
	Path      string `json:"path"`
	Action    string `json:"action"` // create|modify|delete
	ToolName  string `json:"toolName"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
}
