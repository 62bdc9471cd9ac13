package replicator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/cdc"
)

// Users table columns
const (
	ColUserID          = "user_id"
	ColOrganizationID  = "organization_id"
	ColApplicationID   = "application_id"
	ColUsername        = "username"
	ColHashedPassword  = "hashed_password"
	ColEmail           = "email"
	ColDisplayName     = "display_name"
	ColIsActive        = "is_active"
	ColIsEmailVerified = "is_email_verified"
	ColLastLoginAt     = "last_login_at"
	ColCreatedAt       = "created_at"
	ColUpdatedAt       = "updated_at"
)

// present returns the value of a set, non-deleted column
func present(row cdc.ChangeRow, name string) (interface{}, bool) {
	cell, ok := row.Column(name)
	if !ok || cell.Deleted || cell.Value == nil {
		return nil, false
	}
	return cell.Value, true
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}

func uuidColumn(row cdc.ChangeRow, name string) (uuid.UUID, error) {
	v, ok := present(row, name)
	if !ok {
		return uuid.Nil, &MissingColumnError{Column: name}
	}
	id, err := toUUID(name, v)
	if err != nil {
		return uuid.Nil, err
	}
	// the driver scans a null uuid as the zero value
	if id == uuid.Nil {
		return uuid.Nil, &MissingColumnError{Column: name}
	}
	return id, nil
}

func optionalUUIDColumn(row cdc.ChangeRow, name string) (*uuid.UUID, error) {
	v, ok := present(row, name)
	if !ok {
		return nil, nil
	}
	id, err := toUUID(name, v)
	if err != nil || id == uuid.Nil {
		return nil, err
	}
	return &id, nil
}

func toUUID(name string, v interface{}) (uuid.UUID, error) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, nil
	case [16]byte:
		return uuid.UUID(val), nil
	case string:
		id, err := uuid.Parse(val)
		if err != nil {
			return uuid.Nil, &WrongTypeError{Column: name, Want: "uuid", Got: "string"}
		}
		return id, nil
	}
	return uuid.Nil, &WrongTypeError{Column: name, Want: "uuid", Got: typeName(v)}
}

func stringColumn(row cdc.ChangeRow, name string) (string, error) {
	v, ok := present(row, name)
	if !ok {
		return "", &MissingColumnError{Column: name}
	}
	s, ok := v.(string)
	if !ok {
		return "", &WrongTypeError{Column: name, Want: "text", Got: typeName(v)}
	}
	return s, nil
}

func optionalStringColumn(row cdc.ChangeRow, name string) (*string, error) {
	v, ok := present(row, name)
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &WrongTypeError{Column: name, Want: "text", Got: typeName(v)}
	}
	return &s, nil
}

func boolColumn(row cdc.ChangeRow, name string) (bool, error) {
	v, ok := present(row, name)
	if !ok {
		return false, &MissingColumnError{Column: name}
	}
	b, ok := v.(bool)
	if !ok {
		return false, &WrongTypeError{Column: name, Want: "boolean", Got: typeName(v)}
	}
	return b, nil
}

// timestampColumn returns the column as unix milliseconds
func timestampColumn(row cdc.ChangeRow, name string) (int64, error) {
	v, ok := present(row, name)
	if !ok {
		return 0, &MissingColumnError{Column: name}
	}
	ms, set, err := toMillis(name, v)
	if err != nil {
		return 0, err
	}
	if !set {
		return 0, &MissingColumnError{Column: name}
	}
	return ms, nil
}

func optionalTimestampColumn(row cdc.ChangeRow, name string) (*int64, error) {
	v, ok := present(row, name)
	if !ok {
		return nil, nil
	}
	ms, set, err := toMillis(name, v)
	if err != nil || !set {
		return nil, err
	}
	return &ms, nil
}

func toMillis(name string, v interface{}) (int64, bool, error) {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return 0, false, nil
		}
		return val.UnixMilli(), true, nil
	case int64:
		return val, true, nil
	}
	return 0, false, &WrongTypeError{Column: name, Want: "timestamp", Got: typeName(v)}
}
