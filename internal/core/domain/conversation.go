package domain

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationTurn is owned by the session memory collaborator; the core only reads it.
type ConversationTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type StreamEventType string

const (
	EventDelta StreamEventType = "delta"
	EventMeta  StreamEventType = "meta"
	EventDone  StreamEventType = "done"
)

type StreamMeta struct {
	Citations []Citation `json:"citations"`
	LLMOK     bool       `json:"llm_ok"`
	LLMModel  string     `json:"llm_model"`
	LLMReason string     `json:"llm_reason,omitempty"`
}

type StreamEvent struct {
	Type  StreamEventType
	Delta string
	Meta  *StreamMeta
}
