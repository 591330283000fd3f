// Package report emits the plain-text check summary, atomically replacing
// report_file after every heal tick.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flickr/apollo/internal/apollostatus"
)

// Check is one row of the report.
type Check struct {
	ID     string
	Status apollostatus.ConsulStatus
}

const header = "Apollo Check Report\n====================\n\n"

// Render formats checks into the fixed-header plaintext report.
func Render(checks []Check) string {
	sorted := make([]Check, len(checks))
	copy(sorted, checks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	b.WriteString(header)
	for _, c := range sorted {
		fmt.Fprintf(&b, "%-40s %s\n", c.ID, label(c.Status))
	}
	return b.String()
}

func label(s apollostatus.ConsulStatus) string {
	switch s {
	case apollostatus.Passing:
		return "OK"
	case apollostatus.Critical:
		return "BAD"
	case apollostatus.Warning:
		return "WARNING"
	default:
		return strings.ToUpper(string(s))
	}
}

// Write atomically replaces path with the rendered report.
func Write(path string, checks []Check) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-tmp-*")
	if err != nil {
		return fmt.Errorf("report: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(Render(checks)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("report: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("report: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("report: rename: %w", err)
	}
	return nil
}
