package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidChange     = errors.New("invalid pending change data")
	ErrInvalidTransition = errors.New("invalid pending change status transition")
)

type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

func (a ChangeAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

type ChangeStatus string

const (
	StatusPending    ChangeStatus = "pending"
	StatusProcessing ChangeStatus = "processing"
	StatusCompleted  ChangeStatus = "completed"
	StatusError      ChangeStatus = "error"
)

func (s ChangeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

var (
	entityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	integerID     = regexp.MustCompile(`^-?[0-9]+$`)
)

// PendingChange is a mutation made by the user that has not yet been
// confirmed by the server.
type PendingChange struct {
	ID      string          `json:"id" db:"id"`
	Entity  string          `json:"entity" db:"entity"`
	Action  ChangeAction    `json:"action" db:"action"`
	Payload json.RawMessage `json:"payload" db:"payload"`

	// Timestamp is the replay ordering key, in epoch milliseconds.
	Timestamp int64 `json:"timestamp" db:"enqueued_at"`

	Status       ChangeStatus `json:"status" db:"status"`
	RetryCount   int          `json:"retryCount" db:"retry_count"`
	ErrorMessage string       `json:"errorMessage,omitempty" db:"error_message"`

	UpdatedAt int64 `json:"updatedAt" db:"updated_at"`
}

func NewPendingChange(entity string, action ChangeAction, payload json.RawMessage, timestamp int64) *PendingChange {
	return &PendingChange{
		ID:        uuid.NewString(),
		Entity:    strings.TrimSpace(entity),
		Action:    action,
		Payload:   payload,
		Timestamp: timestamp,
		Status:    StatusPending,
		UpdatedAt: timestamp,
	}
}

func (c *PendingChange) Validate() error {
	if !entityPattern.MatchString(c.Entity) {
		return fmt.Errorf("%w: entity %q is not a valid resource name", ErrInvalidChange, c.Entity)
	}
	if !c.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidChange, c.Action)
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidChange)
	}

	var fields map[string]any
	if err := json.Unmarshal(c.Payload, &fields); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidChange)
	}

	if c.Action != ActionCreate {
		if _, err := c.TargetID(); err != nil {
			return err
		}
	}
	return nil
}

// TargetID extracts the identifier of the record an update or delete applies
// to. Numeric ids are kept digit for digit; fractions and exponents are refused.
func (c *PendingChange) TargetID() (string, error) {
	var target struct {
		ID any `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(c.Payload))
	dec.UseNumber()
	if err := dec.Decode(&target); err != nil {
		return "", fmt.Errorf("%w: payload must be a JSON object", ErrInvalidChange)
	}

	switch id := target.ID.(type) {
	case string:
		if strings.TrimSpace(id) != "" {
			return id, nil
		}
	case json.Number:
		if integerID.MatchString(id.String()) {
			return id.String(), nil
		}
		return "", fmt.Errorf("%w: target id %s is not an integer", ErrInvalidChange, id)
	}
	return "", fmt.Errorf("%w: %s requires a target id in the payload", ErrInvalidChange, c.Action)
}

// Syncable reports whether a sync attempt may start from the current status.
func (c *PendingChange) Syncable() bool {
	return c.Status == StatusPending || c.Status == StatusError
}

func (c *PendingChange) MarkProcessing() error {
	if !c.Syncable() {
		return c.badTransition(StatusProcessing)
	}
	c.Status = StatusProcessing
	c.ErrorMessage = ""
	c.touch()
	return nil
}

func (c *PendingChange) MarkCompleted() error {
	if c.Status != StatusProcessing {
		return c.badTransition(StatusCompleted)
	}
	c.Status = StatusCompleted
	c.ErrorMessage = ""
	c.touch()
	return nil
}

func (c *PendingChange) MarkFailed(message string) error {
	if c.Status != StatusProcessing {
		return c.badTransition(StatusError)
	}
	c.Status = StatusError
	c.ErrorMessage = message
	c.RetryCount++
	c.touch()
	return nil
}

// ResetForRetry moves an errored change back to pending. RetryCount is kept.
func (c *PendingChange) ResetForRetry() error {
	if c.Status != StatusError {
		return c.badTransition(StatusPending)
	}
	c.Status = StatusPending
	c.ErrorMessage = ""
	c.touch()
	return nil
}

func (c *PendingChange) badTransition(to ChangeStatus) error {
	return fmt.Errorf("%w: %s -> %s (change %s)", ErrInvalidTransition, c.Status, to, c.ID)
}

func (c *PendingChange) touch() {
	c.UpdatedAt = time.Now().UnixMilli()
}
