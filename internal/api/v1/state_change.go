package v1

import (
	"fmt"
	"time"
)

// StateChange reports the current state of one attribute of a business object.
type StateChange struct {
	// EventID is the client-assigned id of the business event. Redelivering the
	// same event id never counts a transition twice.
	EventID string `json:"event_id"`

	// ServiceID names the service whose rules apply (e.g. "billing").
	ServiceID string `json:"service_id"`

	// ObjectType and ObjectID identify the object, e.g. "Subscription" / "sub_123".
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`

	// Attribute is the tracked attribute, e.g. "status".
	Attribute string `json:"attribute"`

	// State is the attribute's value at OccurredAt.
	State string `json:"state"`

	// OccurredAt is when the state was observed (client-side clock).
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate ensures every required field is set.
func (s *StateChange) Validate() error {
	if s.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if s.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if s.ObjectType == "" {
		return fmt.Errorf("object_type is required")
	}
	if s.ObjectID == "" {
		return fmt.Errorf("object_id is required")
	}
	if s.Attribute == "" {
		return fmt.Errorf("attribute is required")
	}
	if s.State == "" {
		return fmt.Errorf("state is required")
	}
	if s.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}
