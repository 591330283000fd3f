package consulclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-gatedio"
	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	buf := gatedio.NewByteBuffer()
	log := hclog.New(&hclog.LoggerOptions{Output: buf, Level: hclog.Off})

	c, err := New(Config{Address: srv.URL[len("http://"):]}, log)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPushPassWarnFail(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	})

	cases := []struct {
		v    apollostatus.Verdict
		want string
	}{
		{apollostatus.OK, "/v1/agent/check/pass/www"},
		{apollostatus.WARN, "/v1/agent/check/warn/www"},
		{apollostatus.BAD, "/v1/agent/check/fail/www"},
	}
	for _, tc := range cases {
		if err := c.Push("www", tc.v, "note"); err != nil {
			t.Fatal(err)
		}
		if gotPath != tc.want {
			t.Errorf("Push(%v): got path %q, want %q", tc.v, gotPath, tc.want)
		}
	}
}

func TestListNodeParsesOutput(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"Node":      "web1",
				"CheckID":   "www",
				"ServiceID": "www",
				"Status":    "critical",
				"Output":    "by:apollo Last change was on 12345",
			},
		})
	})

	checks, err := c.ListNode("web1")
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 {
		t.Fatalf("got %d checks, want 1", len(checks))
	}
	nc := checks[0]
	if nc.Status != apollostatus.Critical || !nc.ByApollo || nc.Since != 12345 {
		t.Fatalf("unexpected parse: %+v", nc)
	}
}

func TestListNodeTTLExpiredHasNegativeSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"CheckID": "www", "Status": "critical", "Output": "TTL expired"},
		})
	})

	checks, err := c.ListNode("web1")
	if err != nil {
		t.Fatal(err)
	}
	if checks[0].Since != -1 {
		t.Fatalf("got Since %d, want -1 for an expired TTL", checks[0].Since)
	}
}

func TestServiceMembersRetriesThenSucceeds(t *testing.T) {
	attempt := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"Node":    map[string]string{"Node": "web1"},
				"Service": map[string]string{"ID": "www"},
				"Checks": []map[string]interface{}{
					{"CheckID": "serfHealth", "Status": "passing"},
					{"CheckID": "www", "ServiceID": "www", "Status": "critical"},
				},
			},
		})
	})

	h, err := c.ServiceMembers("www", true)
	if err != nil {
		t.Fatal(err)
	}
	if h.Totals[apollostatus.Critical] != 1 {
		t.Fatalf("expected 1 critical member after retry, got %+v", h.Totals)
	}
	if attempt < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempt)
	}
}

func TestBuildNote(t *testing.T) {
	if got := BuildNote(true, 100); !strings.Contains(got, "by:apollo") || !strings.Contains(got, "100") {
		t.Fatalf("BuildNote(true, 100) = %q, missing expected markers", got)
	}
	if got := BuildNote(false, -1); got != "" {
		t.Fatalf("BuildNote(false, -1) = %q, want empty", got)
	}
}
