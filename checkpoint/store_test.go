package checkpoint

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/keygate/keygate/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, "checkpoints"), s.path)

	_, ok, err := s.Load("users")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoad(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	pos := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, s.Save("users", pos))

	got, ok, err := s.Load("users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(pos), "got %s want %s", got, pos)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	pos := time.Unix(1_700_000_000, 0).UTC()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("users", pos))
	require.NoError(t, s.Save("users", pos.Add(time.Second)))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Load("users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(pos.Add(time.Second)))

	records, err := s2.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].Windows)
}

func TestSaveRejectsRegress(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	pos := time.Unix(2_000, 0)
	require.NoError(t, s.Save("users", pos))
	require.NoError(t, s.Save("users", pos), "saving the same position is allowed")

	err = s.Save("users", pos.Add(-time.Millisecond))
	assert.ErrorIs(t, err, ErrRegress)

	got, _, err := s.Load("users")
	require.NoError(t, err)
	assert.True(t, got.Equal(pos))
}

func TestDeleteResets(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save("users", time.Unix(5_000, 0)))
	require.NoError(t, s.Delete("users"))
	require.NoError(t, s.Save("users", time.Unix(1_000, 0)), "a reset table may start earlier")
	require.NoError(t, s.Delete("users"))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, err := s2.Load("users")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSorted(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"users", "applications", "organizations"} {
		require.NoError(t, s.Save(table, time.Unix(10, 0)))
	}

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "applications", records[0].Table)
	assert.Equal(t, "organizations", records[1].Table)
	assert.Equal(t, "users", records[2].Table)
}

func TestConcurrentTables(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table := string(rune('a' + i))
			for j := 1; j <= 20; j++ {
				assert.NoError(t, s.Save(table, time.Unix(int64(j), 0)))
			}
		}(i)
	}
	wg.Wait()

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 8)
	for _, rec := range records {
		assert.Equal(t, uint64(20), rec.Windows)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.ErrorIs(t, s.Save("users", time.Now()), ErrClosed)
	_, _, err = s.Load("users")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/cdccheckpoint0"), prefixUpperBound([]byte(prefixCheckpoint)))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

func TestOpenRejectsUnreadableRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("users", time.Unix(1_000, 0)))
	// a record from a newer release
	require.NoError(t, s.db.Set([]byte(prefixCheckpoint+"sessions"), []byte{encoding.FormatV1 + 1, 0x80}, pebble.Sync))
	require.NoError(t, s.Close())

	_, err = Open(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, encoding.ErrUnknownFormat)
	assert.Contains(t, err.Error(), "sessions")
}
