package persistence

import "time"

// Message statuses.
const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusResolved  = "resolved"
)

// Email is a stored support message plus its pipeline state.
type Email struct {
	ReceivedAt   time.Time  `json:"received_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	AutoResponse *string    `json:"auto_response,omitempty"`
	ExternalID   *string    `json:"external_id,omitempty"`
	Sender       string     `json:"sender"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Sentiment    string     `json:"sentiment"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	ID           int64      `json:"id"`
}

// EmailFilter narrows ListEmails results. Zero values mean "no filter".
type EmailFilter struct {
	Status    string
	Priority  string
	Sentiment string
	Source    string
	Search    string // matched against sender, subject, and body
	Limit     int
	Offset    int
}

// StatusCounts aggregates messages by pipeline state.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Responded int `json:"responded"`
	Resolved  int `json:"resolved"`
	Total     int `json:"total"`
}
