package models

// Turn is one prior message of a conversation. The caller owns and persists
// the history; the pipeline only reads it.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is a user question plus optional free-text context.
type Query struct {
	Text    string `json:"query"`
	Context string `json:"context,omitempty"`
	History []Turn `json:"history,omitempty"`
	// K overrides the configured number of retrieved chunks when > 0.
	K int `json:"k,omitempty"`
}

// Answer is the synthesized response together with the passages it was grounded on.
type Answer struct {
	Query   string        `json:"query"`
	Content string        `json:"answer"`
	Sources []ScoredChunk `json:"sources,omitempty"`
}
