package models

import (
	"time"
)

// Mode tags the conversational register of an answer.
type Mode string

const (
	ModeSmalltalk    Mode = "smalltalk"
	ModeOfficialInfo Mode = "official_info"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeSmalltalk || m == ModeOfficialInfo
}

// Roles used in upstream prompts
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents one turn of an upstream prompt
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Source is a verified citation.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ChatResult is the outcome of one successful upstream call.
type ChatResult struct {
	Text    string
	Sources []Source
	Tool    string
	Model   string
}

// ParsedAnswer is the structured output recovered from upstream text.
type ParsedAnswer struct {
	Mode   Mode   `json:"mode"`
	Answer string `json:"answer"`
}

// Reply is the final answer handed to the query boundary.
type Reply struct {
	Mode         Mode     `json:"mode"`
	Answer       string   `json:"answer"`
	RawAnswer    string   `json:"raw_answer"`
	Model        string   `json:"model"`
	Tool         string   `json:"tool"`
	Sources      []Source `json:"sources"`
	LinksRemoved bool     `json:"links_removed"`
	FailedURLs   []string `json:"failed_urls,omitempty"`
}

// SessionContext is the per-chat memory of the previous user turn.
type SessionContext struct {
	LastUserQuery string `json:"last_user_query"`
}

// QueryLog is one row of the query log
type QueryLog struct {
	ID        int64     `json:"id"`
	Query     string    `json:"query"`
	Intent    string    `json:"intent"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryResponse is the body returned by the query endpoint.
type QueryResponse struct {
	Answer string `json:"answer"`
}

// ResetResponse is the body returned by the session reset endpoint.
type ResetResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}
