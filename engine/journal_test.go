package engine_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xpledger/engine"
)

func openJournal(t *testing.T) *engine.Journal {
	t.Helper()
	journal, err := engine.OpenJournal(filepath.Join(t.TempDir(), "awardd.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestJournalRoundTrip(t *testing.T) {
	journal := openJournal(t)

	entry := engine.Entry{
		Batch:       "weekly-awards",
		Address:     "xp1testuser",
		Amount:      75,
		Description: "weekly award",
		Status:      engine.JournalPending,
		Attempts:    []engine.AttemptRef{{OpID: "0x01", Hash: "0xaa"}},
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, journal.Put(entry))

	got, found, err := journal.Lookup(entry.Key())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry.Batch, got.Batch)
	require.Equal(t, entry.Address, got.Address)
	require.Equal(t, entry.Amount, got.Amount)
	require.Equal(t, entry.Status, got.Status)
	require.Equal(t, entry.Attempts, got.Attempts)

	_, found, err = journal.Lookup(engine.TargetKey("weekly-awards", "xp1otheruser", 75, "weekly award"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestJournalPutRequiresStatus(t *testing.T) {
	journal := openJournal(t)
	err := journal.Put(engine.Entry{Batch: "b", Address: "xp1a", Amount: 1})
	require.ErrorContains(t, err, "needs a status")
}

func TestJournalPendingExcludesTerminal(t *testing.T) {
	journal := openJournal(t)

	mk := func(address, status string) engine.Entry {
		return engine.Entry{
			Batch:     "weekly-awards",
			Address:   address,
			Amount:    10,
			Status:    status,
			UpdatedAt: time.Now().UTC(),
		}
	}
	require.NoError(t, journal.Put(mk("xp1one", engine.JournalPending)))
	require.NoError(t, journal.Put(mk("xp1two", engine.JournalConfirmed)))
	require.NoError(t, journal.Put(mk("xp1three", engine.JournalFailed)))

	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "xp1one", pending[0].Address)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awardd.journal")
	journal, err := engine.OpenJournal(path)
	require.NoError(t, err)

	entry := engine.Entry{
		Batch:     "weekly-awards",
		Address:   "xp1durable",
		Amount:    5,
		Status:    engine.JournalConfirmed,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, journal.Put(entry))
	require.NoError(t, journal.Close())

	reopened, err := engine.OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, found, err := reopened.Lookup(entry.Key())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, engine.JournalConfirmed, got.Status)
}

func TestTargetKeyNormalizesDescriptions(t *testing.T) {
	// Composed and decomposed renderings of the same text must map to one
	// journal slot, otherwise a re-edited batch file could double-award.
	composed := engine.TargetKey("b", "xp1user", 10, "café bonus")
	decomposed := engine.TargetKey("b", "xp1user", 10, "café bonus")
	require.Equal(t, composed, decomposed)

	require.NotEqual(t, composed, engine.TargetKey("b", "xp1user", 11, "café bonus"))
	require.NotEqual(t, composed, engine.TargetKey("b", "xp1other", 10, "café bonus"))
	require.NotEqual(t, composed, engine.TargetKey("c", "xp1user", 10, "café bonus"))
}

func TestTargetKeySeparatesFields(t *testing.T) {
	// Length-prefixed hashing keeps adjacent fields from bleeding into
	// each other.
	a := engine.TargetKey("ab", "c", 1, "")
	b := engine.TargetKey("a", "bc", 1, "")
	require.NotEqual(t, a, b)
}
