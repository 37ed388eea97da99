package domain

import "time"

// SessionSnapshot is the persisted form of a chat session.
type SessionSnapshot struct {
	UserID         string              `json:"user_id"`
	SessionID      string              `json:"session_id"`
	Title          string              `json:"title"`
	Status         Status              `json:"status"`
	Messages       []Message           `json:"messages"`
	Citations      map[string]Citation `json:"citations,omitempty"`
	ReasoningSteps []ReasoningStep     `json:"reasoning_steps,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// LastExchange returns the most recent query and the response that follows it.
// Either may be nil.
func (s *SessionSnapshot) LastExchange() (query, response *Message) {
	ri := LastResponse(s.Messages)
	if ri >= 0 {
		response = &s.Messages[ri]
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleQuery && (ri < 0 || i < ri) {
			query = &s.Messages[i]
			break
		}
	}
	return query, response
}

// Exchange returns the response with the given id and the query that precedes
// it. Either may be nil.
func (s *SessionSnapshot) Exchange(responseID string) (query, response *Message) {
	ri := FindMessage(s.Messages, responseID)
	if ri < 0 {
		return nil, nil
	}
	response = &s.Messages[ri]
	for i := ri - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleQuery {
			query = &s.Messages[i]
			break
		}
	}
	return query, response
}
