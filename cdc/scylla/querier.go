package scylla

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/gocql/gocql"
	"github.com/keygate/keygate/cdc"
)

// SessionQuerier runs the source's reads on a gocql session
type SessionQuerier struct {
	session *gocql.Session
}

// NewQuerier wraps a session
func NewQuerier(session *gocql.Session) *SessionQuerier {
	return &SessionQuerier{session: session}
}

// Generations implements Querier
func (q *SessionQuerier) Generations(ctx context.Context) ([]time.Time, error) {
	var (
		ts   time.Time
		gens []time.Time
	)
	iter := q.session.Query(queryGenerations).WithContext(ctx).Iter()
	for iter.Scan(&ts) {
		gens = append(gens, ts)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read cdc generations: %w", err)
	}
	return gens, nil
}

// GenerationStreams implements Querier
func (q *SessionQuerier) GenerationStreams(ctx context.Context, gen time.Time) ([]cdc.StreamID, error) {
	var (
		streams []cdc.StreamID
		batch   [][]byte
	)
	iter := q.session.Query(queryStreams, gen).WithContext(ctx).Iter()
	for iter.Scan(&batch) {
		for _, id := range batch {
			streams = append(streams, cdc.StreamID(id))
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read stream descriptions: %w", err)
	}
	return streams, nil
}

// LogRows implements Querier. Every column is scanned into a pointer to a
// pointer so gocql leaves null cells nil instead of zero values.
func (q *SessionQuerier) LogRows(ctx context.Context, query string, streams [][]byte, low, high time.Time) ([]map[string]interface{}, error) {
	iter := q.session.Query(query, streams, low, high).WithContext(ctx).Iter()

	rd, err := iter.RowData()
	if err != nil {
		iter.Close()
		return nil, err
	}

	var rows []map[string]interface{}
	for {
		dest := make([]interface{}, len(rd.Values))
		for i, v := range rd.Values {
			dest[i] = reflect.New(reflect.TypeOf(v)).Interface()
		}
		if !iter.Scan(dest...) {
			break
		}

		row := make(map[string]interface{}, len(rd.Columns))
		for i, col := range rd.Columns {
			ptr := reflect.ValueOf(dest[i]).Elem()
			if ptr.IsNil() {
				row[col] = nil
				continue
			}
			row[col] = ptr.Elem().Interface()
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}
