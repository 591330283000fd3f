package ledger

import (
	"testing"

	"github.com/flickr/apollo/internal/apollostatus"
)

func TestAppendRingTruncatesAtMaxEntries(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "www")

	for i := 0; i < MaxEntries+5; i++ {
		if err := l.Append(Entry{TimestampSeconds: int64(i), Verdict: apollostatus.OK}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxEntries {
		t.Fatalf("got %d entries, want %d", len(entries), MaxEntries)
	}
	// Newest first.
	if entries[0].TimestampSeconds != int64(MaxEntries+4) {
		t.Fatalf("entries[0].TimestampSeconds = %d, want newest entry first", entries[0].TimestampSeconds)
	}
}

func TestReadMissingFileIsEmptyNotError(t *testing.T) {
	l := Open(t.TempDir(), "nonexistent")
	entries, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries for missing ledger, got %v", entries)
	}
}

func TestHardFailingRequiresConsecutiveBad(t *testing.T) {
	entries := []Entry{
		{Verdict: apollostatus.BAD},
		{Verdict: apollostatus.BAD},
		{Verdict: apollostatus.BAD},
	}
	if !HardFailing(entries, 3) {
		t.Fatal("expected hard-failing with 3 consecutive BAD entries")
	}
	if HardFailing(entries, 4) {
		t.Fatal("expected not hard-failing when ledger is shorter than retries")
	}
}

func TestHardFailingBreaksOnNonBad(t *testing.T) {
	entries := []Entry{
		{Verdict: apollostatus.BAD},
		{Verdict: apollostatus.WARN},
		{Verdict: apollostatus.BAD},
	}
	if HardFailing(entries, 3) {
		t.Fatal("expected not hard-failing when a non-BAD entry interrupts the streak")
	}
}

func TestClearWipesDirectory(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "www")
	if err := l.Append(Entry{Verdict: apollostatus.OK}); err != nil {
		t.Fatal(err)
	}

	if err := Clear(dir); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Fatalf("expected empty ledger after Clear, got %v", entries)
	}
}
