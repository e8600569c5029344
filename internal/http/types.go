package http

import "time"

// ContextRequest is the request body for POST /api/v1/context.
type ContextRequest struct {
	UserID    string `json:"user_id"`
	ClientID  string `json:"client_id"`
	Text      string `json:"text"`
	FirstTurn bool   `json:"first_turn"`
	// DeadlineMS shortens the configured deadline for this request.
	DeadlineMS int `json:"deadline_ms,omitempty"`
}

// ContextResponse is the response body for POST /api/v1/context.
type ContextResponse struct {
	Context   string   `json:"context"`
	Strategy  string   `json:"strategy"`
	Tiers     []string `json:"tiers"`
	Persisted bool     `json:"persisted"`
	ElapsedMS int64    `json:"elapsed_ms"`
}

// RememberRequest is the request body for POST /api/v1/memories.
type RememberRequest struct {
	UserID   string                 `json:"user_id"`
	ClientID string                 `json:"client_id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RememberResponse is the response body for POST /api/v1/memories.
type RememberResponse struct {
	ID string `json:"id"`
}

// NarrativeResponse is the response body for GET /api/v1/narratives/:user.
type NarrativeResponse struct {
	UserID      string     `json:"user_id"`
	State       string     `json:"state"`
	Content     string     `json:"content,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Refreshing  bool       `json:"refreshing"`
}

// RefreshResponse is the response body for POST /api/v1/narratives/:user/refresh.
type RefreshResponse struct {
	Scheduled bool `json:"scheduled"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
