// internal/models/types.go
package models

import "time"

// Message is one chat message sent to a model endpoint
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// UserMessage builds a single-turn conversation
func UserMessage(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// Params are optional sampling parameters
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Response is a whole (non-streamed) model reply
type Response struct {
	Model   string
	Content string
	Latency time.Duration
}

// Chunk represents a piece of streaming response.
// A stream ends with exactly one chunk where Done or Error is set.
type Chunk struct {
	Text    string // delta
	Content string // accumulated text so far; the full text on Done
	Done    bool
	Error   error
}
