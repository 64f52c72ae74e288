package model

import "time"

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type FrameAcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	Bytes    int    `json:"bytes"`
	MIME     string `json:"mime"`
	Writes   uint64 `json:"writes"`
	Drops    uint64 `json:"drops"`
}

// Display mirrors the pipeline's published result plus the read-side
// bookkeeping a client needs to detect new updates.
type Display struct {
	RawText           string    `json:"raw_text"`
	StableText        string    `json:"stable_text"`
	CorrectedText     string    `json:"corrected_text"`
	Confidence        float64   `json:"confidence"`
	OCRTimeMS         int64     `json:"ocr_time_ms"`
	LLMTimeMS         int64     `json:"llm_time_ms"`
	OCROK             bool      `json:"ocr_ok"`
	LLMOK             bool      `json:"llm_ok"`
	ErrorMsg          string    `json:"error_msg,omitempty"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	Status            string    `json:"status,omitempty"`
	CorrectionEnabled bool      `json:"correction_enabled"`
	Iteration         uint64    `json:"iteration"`
	FrameSeq          uint64    `json:"frame_seq"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type DisplayResponse struct {
	Display      Display `json:"display"`
	Version      uint64  `json:"version"`
	BreakerState string  `json:"breaker_state"`
	InFlight     int64   `json:"in_flight"`
}

type CorrectRequest struct {
	Text string `json:"text"`
}

type Change struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type CorrectResponse struct {
	Text         string      `json:"text"`
	Original     string      `json:"original,omitempty"`
	Changes      []Change    `json:"changes,omitempty"`
	Confidence   float64     `json:"confidence"`
	LanguageHint string      `json:"language_hint,omitempty"`
	Cached       bool        `json:"cached"`
	Status       string      `json:"status"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	ElapsedMS    int64       `json:"elapsed_ms"`
}
