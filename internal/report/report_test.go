package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flickr/apollo/internal/apollostatus"
)

func TestRenderSortsByID(t *testing.T) {
	out := Render([]Check{
		{ID: "www", Status: apollostatus.Passing},
		{ID: "httpok-api", Status: apollostatus.Critical},
	})

	apiIdx := strings.Index(out, "httpok-api")
	wwwIdx := strings.Index(out, "www")
	if apiIdx == -1 || wwwIdx == -1 || apiIdx > wwwIdx {
		t.Fatalf("expected httpok-api before www, got:\n%s", out)
	}
}

func TestRenderLabels(t *testing.T) {
	out := Render([]Check{{ID: "www", Status: apollostatus.Critical}})
	if !strings.Contains(out, "BAD") {
		t.Fatalf("expected BAD label, got:\n%s", out)
	}
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apollo.report")

	if err := Write(path, []Check{{ID: "www", Status: apollostatus.Passing}}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "OK") {
		t.Fatalf("expected OK label in report, got:\n%s", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".report-tmp-") {
			t.Fatalf("leftover temp file after Write: %s", e.Name())
		}
	}
}
