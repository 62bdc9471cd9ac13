package queue

import (
	"context"
	"errors"

	"github.com/keygate/keygate/domain"
)

// Handler applies one decoded envelope. A returned error aborts the batch
// unless it is marked with Tolerated. Handlers must be safe to retry.
type Handler func(ctx context.Context, env domain.Envelope) error

// Handlers maps an envelope operation to its handler
type Handlers map[string]Handler

// Register adds the handler for op
func (h Handlers) Register(op domain.Operation, handler Handler) Handlers {
	h[string(op)] = handler
	return h
}

// clone returns a copy so the consumer's map cannot change after construction
func (h Handlers) clone() Handlers {
	out := make(Handlers, len(h))
	for op, handler := range h {
		out[op] = handler
	}
	return out
}

// ToleratedError marks a handler failure that still lets the batch commit
type ToleratedError struct {
	Err error
}

func (e *ToleratedError) Error() string {
	return "tolerated: " + e.Err.Error()
}

func (e *ToleratedError) Unwrap() error {
	return e.Err
}

// Tolerated wraps err so the consumer logs it and moves on. A nil err stays nil.
func Tolerated(err error) error {
	if err == nil {
		return nil
	}
	return &ToleratedError{Err: err}
}

// IsTolerated reports whether err, or any error it wraps, is tolerated
func IsTolerated(err error) bool {
	var te *ToleratedError
	return errors.As(err, &te)
}
