package cdc

import (
	"encoding/hex"
	"time"
)

// OperationType is the kind of mutation recorded in a CDC log row.
// Values match the cdc$operation column.
type OperationType int8

const (
	OpPreImage                  OperationType = 0
	OpUpdate                    OperationType = 1
	OpInsert                    OperationType = 2
	OpRowDelete                 OperationType = 3
	OpPartitionDelete           OperationType = 4
	OpRowRangeDelInclusiveLeft  OperationType = 5
	OpRowRangeDelExclusiveLeft  OperationType = 6
	OpRowRangeDelInclusiveRight OperationType = 7
	OpRowRangeDelExclusiveRight OperationType = 8
	OpPostImage                 OperationType = 9
)

func (op OperationType) String() string {
	switch op {
	case OpPreImage:
		return "pre_image"
	case OpUpdate:
		return "update"
	case OpInsert:
		return "insert"
	case OpRowDelete:
		return "row_delete"
	case OpPartitionDelete:
		return "partition_delete"
	case OpRowRangeDelInclusiveLeft:
		return "range_delete_start_inclusive"
	case OpRowRangeDelExclusiveLeft:
		return "range_delete_start_exclusive"
	case OpRowRangeDelInclusiveRight:
		return "range_delete_end_inclusive"
	case OpRowRangeDelExclusiveRight:
		return "range_delete_end_exclusive"
	case OpPostImage:
		return "post_image"
	}
	return "unknown"
}

// IsRangeDelete reports whether op is one of the range tombstone bounds
func (op OperationType) IsRangeDelete() bool {
	return op >= OpRowRangeDelInclusiveLeft && op <= OpRowRangeDelExclusiveRight
}

// StreamID is the opaque identifier of one CDC stream
type StreamID string

func (s StreamID) String() string {
	return hex.EncodeToString([]byte(s))
}

// Cell is one column of a change row. A column may carry a value, be marked
// deleted, or list removed collection elements.
type Cell struct {
	Value           interface{}
	Deleted         bool
	DeletedElements interface{}
}

// ChangeRow is one captured mutation
type ChangeRow struct {
	Table      string
	StreamID   StreamID
	Time       time.Time // from the cdc$time timeuuid
	Operation  OperationType
	BatchSeq   int32
	EndOfBatch bool
	TTL        *int64
	Columns    map[string]Cell
}

// Column returns the named cell
func (r ChangeRow) Column(name string) (Cell, bool) {
	c, ok := r.Columns[name]
	return c, ok
}

// rowLess orders rows by stream, then commit time, then batch sequence
func rowLess(a, b ChangeRow) bool {
	if a.StreamID != b.StreamID {
		return a.StreamID < b.StreamID
	}
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.BatchSeq < b.BatchSeq
}
