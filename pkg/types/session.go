package types

// IngestItemType discriminates the session ingest union
type IngestItemType string

const (
	ItemTypeSession      IngestItemType = "session"
	ItemTypeKiloMeta     IngestItemType = "kilo_meta"
	ItemTypeMessage      IngestItemType = "message"
	ItemTypePart         IngestItemType = "part"
	ItemTypeSessionOpen  IngestItemType = "session_open"
	ItemTypeSessionClose IngestItemType = "session_close"
)

// CloseReason is the reason carried by an explicit session_close
type CloseReason string

const (
	CloseReasonCompleted   CloseReason = "completed"
	CloseReasonError       CloseReason = "error"
	CloseReasonInterrupted CloseReason = "interrupted"
	// CloseReasonAbandoned is the default when a session goes quiet
	// without an explicit close
	CloseReasonAbandoned CloseReason = "abandoned"
)

// SessionTime carries creation/update timestamps in epoch milliseconds
type SessionTime struct {
	Created float64 `json:"created"`
	Updated float64 `json:"updated"`
}

// SessionInfo is the body of a "session" item; last one wins
type SessionInfo struct {
	Time SessionTime `json:"time"`
}

// KiloMeta is the body of a "kilo_meta" item; last non-empty wins
type KiloMeta struct {
	Platform string `json:"platform,omitempty"`
	OrgID    string `json:"orgId,omitempty"`
}

// TokenUsage is per-assistant-message token accounting
type TokenUsage struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
	Cache     struct {
		Read  int64 `json:"read"`
		Write int64 `json:"write"`
	} `json:"cache"`
}

// MessageError names a failure attached to an assistant message
type MessageError struct {
	Name string `json:"name"`
}

// MessageTime carries the message creation timestamp in epoch milliseconds
type MessageTime struct {
	Created float64 `json:"created"`
}

// Message is the body of a "message" item
type Message struct {
	Role    string        `json:"role"`
	Time    MessageTime   `json:"time"`
	ModelID string        `json:"modelID,omitempty"`
	Tokens  *TokenUsage   `json:"tokens,omitempty"`
	Cost    float64       `json:"cost,omitempty"`
	Error   *MessageError `json:"error,omitempty"`
	Finish  string        `json:"finish,omitempty"`
}

// ToolStatus is the lifecycle state of one tool call
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// ToolState carries the status and input of one tool call
type ToolState struct {
	Status ToolStatus             `json:"status"`
	Input  map[string]interface{} `json:"input,omitempty"`
}

// Part is the body of a "part" item. Only step-finish, tool and
// compaction parts affect the aggregate; other part types pass through.
type Part struct {
	Type string     `json:"type"`
	Tool string     `json:"tool,omitempty"`
	State *ToolState `json:"state,omitempty"`
	Auto bool       `json:"auto,omitempty"`
}

// SessionClose is the body of a "session_close" item
type SessionClose struct {
	Reason CloseReason `json:"reason"`
}

// IngestItem is one element of the session ingest stream, a closed
// union discriminated by Type. Exactly one body field is set.
type IngestItem struct {
	Type    IngestItemType `json:"type"`
	Session *SessionInfo   `json:"session,omitempty"`
	Meta    *KiloMeta      `json:"meta,omitempty"`
	Message *Message       `json:"message,omitempty"`
	Part    *Part          `json:"part,omitempty"`
	Close   *SessionClose  `json:"close,omitempty"`
}

// IngestBatch is the unit posted to the session ingest endpoint
type IngestBatch struct {
	SessionID     string       `json:"sessionId"`
	KiloUserID    string       `json:"kiloUserId"`
	IngestVersion int          `json:"ingestVersion"`
	Items         []IngestItem `json:"items"`
}

// APIMetric is one per-request telemetry data point
type APIMetric struct {
	Provider          string  `json:"provider"`
	ResolvedModel     string  `json:"resolvedModel"`
	ClientName        string  `json:"clientName"`
	InferenceProvider string  `json:"inferenceProvider"`
	StatusCode        int     `json:"statusCode"`
	TTFBMs            float64 `json:"ttfbMs"`
	CompleteRequestMs float64 `json:"completeRequestMs"`
}
