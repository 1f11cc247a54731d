package streams

import (
	"encoding/json"
	"fmt"

	"github.com/51f0x/personal-kanban/internal/assistant/core"
)

// PlanningRequested is the payload of EventPlanningRequested.
type PlanningRequested struct {
	Request core.PlanningRequest `json:"request"`
	UserID  string               `json:"user_id,omitempty"`
}

// PlanningCompleted is the payload of EventPlanningCompleted.
type PlanningCompleted struct {
	RequestID string          `json:"request_id"`
	ProjectID string          `json:"project_id,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// EnrichRequested is the payload of EventEnrichRequested.
type EnrichRequested struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// DecodePayload decodes an envelope's data into out after checking the event
// type matches.
func DecodePayload(env Envelope, eventType string, out interface{}) error {
	if env.EventType != eventType {
		return fmt.Errorf("expected event type %s, got %s", eventType, env.EventType)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return nil
}
