package domain

type RetrievalResult struct {
	ChunkID uint64  `json:"chunk_id"`
	Source  string  `json:"source"`
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

type Citation struct {
	Number    int     `json:"n"`
	Source    string  `json:"source"`
	ChunkID   uint64  `json:"chunk_id"`
	Ordinal   int     `json:"chunk"`
	Score     float64 `json:"score"`
	Preview   string  `json:"preview"`
	InContext bool    `json:"in_context"`
}

type LLMStatus struct {
	OK     bool   `json:"ok"`
	Model  string `json:"model"`
	Reason string `json:"reason,omitempty"`
}

type Answer struct {
	Text      string            `json:"text"`
	Citations []Citation        `json:"citations"`
	Results   []RetrievalResult `json:"results"`
	LLM       LLMStatus         `json:"llm"`
}
