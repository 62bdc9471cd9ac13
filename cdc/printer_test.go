package cdc

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinter_WritesSortedColumns(t *testing.T) {
	var buf bytes.Buffer
	factory, err := NewPrinterFactory(&buf, []string{"hashed_*"})
	require.NoError(t, err)

	consumer, err := factory.NewConsumer()
	require.NoError(t, err)

	ttl := int64(60)
	r := ChangeRow{
		Table:      "users",
		StreamID:   StreamID([]byte{0xab, 0xcd}),
		Time:       base,
		Operation:  OpUpdate,
		BatchSeq:   2,
		EndOfBatch: true,
		TTL:        &ttl,
		Columns: map[string]Cell{
			"username":        {Value: "alice"},
			"email":           {Deleted: true},
			"hashed_password": {Value: "$argon2id$..."},
			"roles":           {Value: []string{"admin"}, DeletedElements: []string{"guest"}},
		},
	}
	require.NoError(t, consumer.Consume(context.Background(), r))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "table=users stream=abcd time=2024-03-01T12:00:00Z op=update batch_seq=2 end_of_batch=true ttl=60", lines[0])
	assert.Equal(t, "  email: <deleted>", lines[1])
	assert.Equal(t, "  hashed_password: <redacted>", lines[2])
	assert.Equal(t, "  roles: [admin] deleted_elements=[guest]", lines[3])
	assert.Equal(t, "  username: alice", lines[4])
}

func TestPrinterFactory_InvalidPattern(t *testing.T) {
	_, err := NewPrinterFactory(&bytes.Buffer{}, []string{"[unclosed"})
	assert.Error(t, err)
}

func TestColumnFilter_Match(t *testing.T) {
	f, err := NewColumnFilter([]string{"secret_*", "password"})
	require.NoError(t, err)

	assert.True(t, f.Match("secret_key"))
	assert.True(t, f.Match("password"))
	assert.False(t, f.Match("username"))

	empty, err := NewColumnFilter(nil)
	require.NoError(t, err)
	assert.False(t, empty.Match("anything"))

	var nilFilter *ColumnFilter
	assert.False(t, nilFilter.Match("anything"))
}
