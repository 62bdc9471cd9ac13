package scylla

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/keygate/keygate/cdc"
)

// Log table metadata columns
const (
	colStreamID   = "cdc$stream_id"
	colTime       = "cdc$time"
	colOperation  = "cdc$operation"
	colBatchSeqNo = "cdc$batch_seq_no"
	colEndOfBatch = "cdc$end_of_batch"
	colTTL        = "cdc$ttl"

	metaPrefix            = "cdc$"
	deletedPrefix         = "cdc$deleted_"
	deletedElementsPrefix = "cdc$deleted_elements_"

	logTableSuffix = "_scylla_cdc_log"
)

const (
	queryGenerations = `SELECT time FROM system_distributed.cdc_generation_timestamps WHERE key = 'timestamps'`
	queryStreams     = `SELECT streams FROM system_distributed.cdc_streams_descriptions_v2 WHERE time = ?`
)

// MaxStreamsPerQuery bounds the IN list of one log query. Scylla rejects
// more partition key restrictions than max_partition_key_restrictions_per_query,
// which defaults to 100.
const MaxStreamsPerQuery = 100

// Querier runs the reads a Source needs
type Querier interface {
	// Generations lists the start times of all known stream generations
	Generations(ctx context.Context) ([]time.Time, error)
	// GenerationStreams lists the streams of the generation starting at gen
	GenerationStreams(ctx context.Context, gen time.Time) ([]cdc.StreamID, error)
	// LogRows runs a log query. Null cells are returned as nil.
	LogRows(ctx context.Context, query string, streams [][]byte, low, high time.Time) ([]map[string]interface{}, error)
}

// Source reads the CDC log tables of one keyspace
type Source struct {
	querier  Querier
	keyspace string
	now      func() time.Time

	mu      sync.Mutex
	streams map[int64][]cdc.StreamID
}

// NewSource creates a change source over the keyspace
func NewSource(querier Querier, keyspace string) *Source {
	return &Source{
		querier:  querier,
		keyspace: keyspace,
		now:      time.Now,
		streams:  make(map[int64][]cdc.StreamID),
	}
}

// EarliestTime returns the start of the generation currently in effect
func (s *Source) EarliestTime(ctx context.Context, table string) (time.Time, error) {
	gens, err := s.generations(ctx)
	if err != nil {
		return time.Time{}, err
	}
	current, _ := covering(gens, s.now())
	if current < 0 {
		return time.Time{}, fmt.Errorf("no cdc generation in effect")
	}
	return gens[current], nil
}

// Streams returns the streams of the generation covering at, together with
// the start of the following generation. Stream sets are shared by every
// table of the cluster and cached per generation.
func (s *Source) Streams(ctx context.Context, table string, at time.Time) ([]cdc.StreamID, time.Time, error) {
	gens, err := s.generations(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	current, next := covering(gens, at)
	if current < 0 {
		// nothing was logged before the first generation
		return nil, next, nil
	}

	gen := gens[current]
	s.mu.Lock()
	streams, ok := s.streams[gen.UnixNano()]
	s.mu.Unlock()
	if ok {
		return streams, next, nil
	}

	streams, err = s.querier.GenerationStreams(ctx, gen)
	if err != nil {
		return nil, time.Time{}, err
	}

	s.mu.Lock()
	s.streams[gen.UnixNano()] = streams
	s.mu.Unlock()

	return streams, next, nil
}

func (s *Source) generations(ctx context.Context) ([]time.Time, error) {
	gens, err := s.querier.Generations(ctx)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		return nil, fmt.Errorf("no cdc generation found")
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].Before(gens[j]) })
	return gens, nil
}

// covering returns the index of the newest generation starting at or before
// at (-1 when at precedes all of them) and the start of the generation after
// it, zero when there is none.
func covering(gens []time.Time, at time.Time) (int, time.Time) {
	idx := sort.Search(len(gens), func(i int) bool { return gens[i].After(at) }) - 1
	var next time.Time
	if idx+1 < len(gens) {
		next = gens[idx+1]
	}
	return idx, next
}

// Fetch reads the log rows of streams with low <= cdc$time < high, in
// chunks of at most MaxStreamsPerQuery streams
func (s *Source) Fetch(ctx context.Context, table string, streams []cdc.StreamID, low, high time.Time) ([]cdc.ChangeRow, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	query := logQuery(s.keyspace, table)
	var rows []cdc.ChangeRow
	for start := 0; start < len(streams); start += MaxStreamsPerQuery {
		end := start + MaxStreamsPerQuery
		if end > len(streams) {
			end = len(streams)
		}
		ids := make([][]byte, 0, end-start)
		for _, st := range streams[start:end] {
			ids = append(ids, []byte(st))
		}

		results, err := s.querier.LogRows(ctx, query, ids, low, high)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s change log: %w", table, err)
		}
		for _, m := range results {
			row, err := rowFromMap(table, m)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}

	return rows, nil
}

// logQuery selects one window of a table's change log
func logQuery(keyspace, table string) string {
	name := quoteIdent(table + logTableSuffix)
	if keyspace != "" {
		name = quoteIdent(keyspace) + "." + name
	}
	return fmt.Sprintf(
		`SELECT * FROM %s WHERE "%s" IN ? AND "%s" >= minTimeuuid(?) AND "%s" < minTimeuuid(?) BYPASS CACHE`,
		name, colStreamID, colTime, colTime,
	)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// rowFromMap converts one MapScan result to a ChangeRow
func rowFromMap(table string, m map[string]interface{}) (cdc.ChangeRow, error) {
	row := cdc.ChangeRow{
		Table:   table,
		Columns: make(map[string]cdc.Cell),
	}

	stream, ok := m[colStreamID].([]byte)
	if !ok {
		return row, fmt.Errorf("change row has no %s", colStreamID)
	}
	row.StreamID = cdc.StreamID(stream)

	ts, ok := m[colTime].(gocql.UUID)
	if !ok {
		return row, fmt.Errorf("change row has no %s", colTime)
	}
	row.Time = ts.Time().UTC()

	switch op := m[colOperation].(type) {
	case int8:
		row.Operation = cdc.OperationType(op)
	case int:
		row.Operation = cdc.OperationType(op)
	default:
		return row, fmt.Errorf("change row has no %s", colOperation)
	}

	if seq, ok := m[colBatchSeqNo].(int); ok {
		row.BatchSeq = int32(seq)
	}
	if end, ok := m[colEndOfBatch].(bool); ok {
		row.EndOfBatch = end
	}
	if ttl, ok := m[colTTL].(int64); ok && ttl > 0 {
		row.TTL = &ttl
	}

	for name, value := range m {
		// a null cell was not written by this change
		if value == nil || strings.HasPrefix(name, metaPrefix) {
			continue
		}
		row.Columns[name] = cdc.Cell{Value: convertValue(value)}
	}

	for name, value := range m {
		switch {
		case strings.HasPrefix(name, deletedElementsPrefix):
			col := strings.TrimPrefix(name, deletedElementsPrefix)
			if isEmpty(value) {
				continue
			}
			cell := row.Columns[col]
			cell.DeletedElements = convertValue(value)
			row.Columns[col] = cell
		case strings.HasPrefix(name, deletedPrefix):
			col := strings.TrimPrefix(name, deletedPrefix)
			if deleted, _ := value.(bool); deleted {
				cell := row.Columns[col]
				cell.Deleted = true
				row.Columns[col] = cell
			}
		}
	}

	return row, nil
}

// convertValue maps driver types onto the types consumers expect
func convertValue(v interface{}) interface{} {
	switch val := v.(type) {
	case gocql.UUID:
		return uuid.UUID(val)
	case []gocql.UUID:
		out := make([]uuid.UUID, len(val))
		for i, u := range val {
			out[i] = uuid.UUID(u)
		}
		return out
	default:
		return v
	}
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]string:
		return len(val) == 0
	}
	return false
}
