package cdc

import "errors"

// RecoverableError marks a consumer failure that is confined to one row.
// The tailer logs it, skips the row, and keeps advancing the window.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string {
	return "recoverable: " + e.Err.Error()
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// Recoverable wraps err as a RecoverableError. A nil err stays nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// IsRecoverable reports whether err, or any error it wraps, is recoverable
func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}
