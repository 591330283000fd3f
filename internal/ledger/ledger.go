// Package ledger implements the per-check retry ledger: a file-backed ring
// of the last ten (timestamp, verdict) entries, atomically replaced on every
// write. The write-to-temp-then-rename pattern mirrors consul-replicate's
// own PID-file and status-file writers, generalized to a small ring buffer.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flickr/apollo/internal/apollostatus"
)

// MaxEntries is the ledger's fixed capacity.
const MaxEntries = 10

// Entry is one (timestamp, verdict) ledger record.
type Entry struct {
	TimestampSeconds int64                `json:"timestamp_seconds"`
	Verdict          apollostatus.Verdict `json:"verdict"`
}

// Ledger is the ordered, newest-first ring for a single check id.
type Ledger struct {
	dir     string
	checkID string
}

// Open returns a Ledger backed by trackDir/checkID. It performs no I/O.
func Open(trackDir, checkID string) *Ledger {
	return &Ledger{dir: trackDir, checkID: checkID}
}

func (l *Ledger) path() string {
	return filepath.Join(l.dir, l.checkID)
}

// Read returns the ledger's current contents, newest first. A missing file
// is an empty ledger, not an error.
func (l *Ledger) Read() ([]Entry, error) {
	data, err := os.ReadFile(l.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", l.checkID, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", l.checkID, err)
	}
	return entries, nil
}

// Append prepends a new entry and truncates to MaxEntries, replacing the
// file atomically via write-to-temp + rename.
func (l *Ledger) Append(e Entry) error {
	existing, err := l.Read()
	if err != nil {
		return err
	}

	entries := append([]Entry{e}, existing...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", l.checkID, err)
	}

	return writeAtomic(l.path(), data)
}

// HardFailing reports whether the R most recent entries are all BAD. A
// ledger shorter than R is never hard-failing.
func HardFailing(entries []Entry, retries int) bool {
	if retries < 1 || len(entries) < retries {
		return false
	}
	for _, e := range entries[:retries] {
		if e.Verdict != apollostatus.BAD {
			return false
		}
	}
	return true
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ledger-tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: close temp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}

// Clear wipes trackDir's contents, used by the daemon on startup so a prior
// process's ledgers don't leak stale retry state into a fresh run.
func Clear(trackDir string) error {
	entries, err := os.ReadDir(trackDir)
	if os.IsNotExist(err) {
		return os.MkdirAll(trackDir, 0o755)
	}
	if err != nil {
		return fmt.Errorf("ledger: read dir %s: %w", trackDir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(trackDir, e.Name())); err != nil {
			return fmt.Errorf("ledger: clear %s: %w", e.Name(), err)
		}
	}
	return nil
}
