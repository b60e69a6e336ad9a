package opencode

import (
	"encoding/json"
	"strings"
)

// Event is one entry of the agent's ordered event stream. Properties stays
// raw until a consumer decodes it with the typed helpers below; unknown
// types surface as-is for the projector's debug dump.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Event types the projector handles.
const (
	EventSessionStatus  = "session.status"
	EventSessionCreated = "session.created"
	EventSessionIdle    = "session.idle"
	EventSessionError   = "session.error"
	EventSessionDiff    = "session.diff"
	EventMessageUpdated = "message.updated"
	EventPartUpdated    = "message.part.updated"
	EventQuestionAsked  = "question.asked"
	EventPermissionAsk  = "permission.asked"
)

type SessionStatus struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"` // busy, idle, retry, error
	Message   string `json:"message,omitempty"`
}

type SessionCreated struct {
	SessionID string `json:"sessionID"`
	Title     string `json:"title,omitempty"`
}

type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

type SessionError struct {
	SessionID string          `json:"sessionID"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Aborted reports whether the error payload is the explicit abort marker.
func (e SessionError) Aborted() bool {
	return strings.Contains(strings.ToLower(string(e.Error)), "aborted")
}

type MessageUpdated struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Role      string `json:"role"`
}

// Part types within message.part.updated.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartPatch      = "patch"
	PartTodo       = "todowrite"
	PartFile       = "file"
)

type PartUpdated struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Part      Part   `json:"part"`
}

type Part struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`
	Todos  []Todo     `json:"todos,omitempty"`
}

type ToolState struct {
	Status string          `json:"status,omitempty"` // pending, running, completed, error
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed, cancelled
}

type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type QuestionAsked struct {
	RequestID string     `json:"requestID"`
	SessionID string     `json:"sessionID"`
	Questions []Question `json:"questions"`
}

type PermissionAsked struct {
	RequestID  string   `json:"requestID"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Patterns   []string `json:"patterns,omitempty"`
}

// Decode unmarshals the event's properties into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Properties, out)
}
