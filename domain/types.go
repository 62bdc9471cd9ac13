// Package domain holds the entity and event shapes that cross component
// boundaries: users replicated to the search index and the credential rows
// cached in front of the primary store.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Operation tags a replicated event
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// User is the replicated, per-application user entity.
// Timestamps are unix milliseconds.
type User struct {
	UserID          uuid.UUID `json:"user_id"`
	OrganizationID  uuid.UUID `json:"organization_id"`
	ApplicationID   uuid.UUID `json:"application_id"`
	Username        string    `json:"username"`
	HashedPassword  string    `json:"hashed_password"`
	Email           *string   `json:"email"`
	DisplayName     *string   `json:"display_name"`
	IsActive        bool      `json:"is_active"`
	IsEmailVerified bool      `json:"is_email_verified"`
	LastLoginAt     *int64    `json:"last_login_at"`
	CreatedAt       int64     `json:"created_at"`
	UpdatedAt       int64     `json:"updated_at"`
}

// UserKey identifies a user document without carrying its state
type UserKey struct {
	UserID         uuid.UUID  `json:"user_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	ApplicationID  *uuid.UUID `json:"application_id,omitempty"`
}

// DomainEvent is a typed change to a user.
// Create and update carry User; delete carries Key only.
type DomainEvent struct {
	Operation Operation
	User      *User
	Key       *UserKey
}

// NewUpsertEvent builds a create or update event
func NewUpsertEvent(op Operation, user User) DomainEvent {
	return DomainEvent{Operation: op, User: &user}
}

// NewDeleteEvent builds a delete event carrying the deleted key
func NewDeleteEvent(key UserKey) DomainEvent {
	return DomainEvent{Operation: OpDelete, Key: &key}
}

// PartitionKey returns the id used to route the event on the broker
func (e DomainEvent) PartitionKey() string {
	switch {
	case e.User != nil:
		return e.User.UserID.String()
	case e.Key != nil:
		return e.Key.UserID.String()
	}
	return ""
}

// Validate checks the per-operation payload invariants
func (e DomainEvent) Validate() error {
	switch e.Operation {
	case OpCreate, OpUpdate:
		if e.User == nil {
			return fmt.Errorf("%s event requires a user", e.Operation)
		}
		if e.Key != nil {
			return fmt.Errorf("%s event must not carry a delete key", e.Operation)
		}
	case OpDelete:
		if e.User != nil {
			return fmt.Errorf("delete event must not carry a user")
		}
		if e.Key == nil {
			return fmt.Errorf("delete event requires a key")
		}
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	return nil
}

// Envelope is the wire form of a DomainEvent on the broker topic.
//
//	{"operation":"create","user":{...}}
//	{"operation":"delete","user":null,"key":{"user_id":"..."}}
type Envelope struct {
	Operation string          `json:"operation"`
	User      json.RawMessage `json:"user"`
	Key       *UserKey        `json:"key,omitempty"`
}

// EncodeEnvelope serializes an event into its envelope bytes
func EncodeEnvelope(e DomainEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	env := Envelope{Operation: string(e.Operation), Key: e.Key}
	if e.User != nil {
		raw, err := json.Marshal(e.User)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal user: %w", err)
		}
		env.User = raw
	} else {
		env.User = json.RawMessage("null")
	}

	return json.Marshal(env)
}

// DecodeEnvelope parses envelope bytes. Only the operation field is required;
// the payload is decoded lazily by handlers via DecodeUser.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Operation == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing operation")
	}
	return env, nil
}

// HasUser reports whether the envelope carries a non-null user payload
func (env Envelope) HasUser() bool {
	return len(env.User) > 0 && string(env.User) != "null"
}

// DecodeUser decodes the user payload
func (env Envelope) DecodeUser() (User, error) {
	if !env.HasUser() {
		return User{}, fmt.Errorf("envelope for %q has no user", env.Operation)
	}
	var u User
	if err := json.Unmarshal(env.User, &u); err != nil {
		return User{}, fmt.Errorf("invalid user payload: %w", err)
	}
	return u, nil
}
