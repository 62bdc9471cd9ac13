package replicator

import "fmt"

// MissingColumnError reports a required column absent from a change row
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column %s", e.Column)
}

// WrongTypeError reports a column whose value has an unexpected type
type WrongTypeError struct {
	Column string
	Want   string
	Got    string
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("column %s: want %s, got %s", e.Column, e.Want, e.Got)
}
