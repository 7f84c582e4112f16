package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, journal.Close()) })
	return journal
}

func TestJournalMarksAndRecognizesDeliveries(t *testing.T) {
	journal := newTestJournal(t)

	seen, err := journal.Processed("bt1controller/260734629/7")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, journal.MarkProcessed("bt1controller/260734629/7", time.Unix(1_700_000_000, 0)))

	seen, err = journal.Processed("bt1controller/260734629/7")
	require.NoError(t, err)
	require.True(t, seen)

	// A different query id against the same actor/op is its own delivery.
	seen, err = journal.Processed("bt1controller/260734629/8")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestJournalSweepDropsOnlyStaleRecords(t *testing.T) {
	journal := newTestJournal(t)

	old := time.Unix(1_700_000_000, 0)
	recent := old.Add(48 * time.Hour)
	require.NoError(t, journal.MarkProcessed("a/1/1", old))
	require.NoError(t, journal.MarkProcessed("a/1/2", old))
	require.NoError(t, journal.MarkProcessed("a/1/3", recent))

	removed, err := journal.Sweep(old.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	seen, err := journal.Processed("a/1/1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = journal.Processed("a/1/3")
	require.NoError(t, err)
	require.True(t, seen)
}
