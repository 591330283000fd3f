package heal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
)

type fakeConsul struct {
	checks []NodeCheck
	err    error
}

func (f fakeConsul) ListNode(hostname string) ([]NodeCheck, error) { return f.checks, f.err }

func newOrchestrator(t *testing.T, cfg Config, consul ConsulPort) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	cfg.ActiveMarkerFile = filepath.Join(dir, "active")
	cfg.LastHealFile = filepath.Join(dir, "last-heal")
	return New(cfg, consul, hclog.NewNullLogger(), func() map[string]string { return map[string]string{} }, func() map[string]string { return nil }), dir
}

func TestRunSkipsOnDryrun(t *testing.T) {
	o, dir := newOrchestrator(t, Config{HealDryrun: true, HealCmd: []string{"/bin/true"}}, fakeConsul{})
	o.Run(context.Background(), false)

	if _, err := os.Stat(filepath.Join(dir, "last-heal")); !os.IsNotExist(err) {
		t.Fatal("expected no last-heal marker on dry-run")
	}
}

func TestRunSkipsFirstInvocation(t *testing.T) {
	o, dir := newOrchestrator(t, Config{HealCmd: []string{"/bin/true"}, MainWireID: "www"}, fakeConsul{
		checks: []NodeCheck{{CheckID: "www", Status: apollostatus.Passing, ByApollo: true}},
	})
	o.Run(context.Background(), false)

	if _, err := os.Stat(filepath.Join(dir, "last-heal")); !os.IsNotExist(err) {
		t.Fatal("expected the first invocation to be skipped unconditionally")
	}
}

func TestRunSkipsWhenNotAuthoredByApollo(t *testing.T) {
	o, dir := newOrchestrator(t, Config{HealCmd: []string{"/bin/true"}, MainWireID: "www"}, fakeConsul{
		checks: []NodeCheck{{CheckID: "www", Status: apollostatus.Critical, ByApollo: false}},
	})
	o.alreadyRan = true
	o.Run(context.Background(), false)

	if _, err := os.Stat(filepath.Join(dir, "last-heal")); !os.IsNotExist(err) {
		t.Fatal("expected skip when main status was not authored by apollo")
	}
}

func TestRunHonorsHealOnStatus(t *testing.T) {
	o, dir := newOrchestrator(t, Config{
		HealCmd:      []string{"/bin/true"},
		MainWireID:   "www",
		HealOnStatus: apollostatus.Critical,
	}, fakeConsul{
		checks: []NodeCheck{{CheckID: "www", Status: apollostatus.Warning, ByApollo: true}},
	})
	o.alreadyRan = true
	o.Run(context.Background(), false)

	if _, err := os.Stat(filepath.Join(dir, "last-heal")); !os.IsNotExist(err) {
		t.Fatal("expected skip when current status does not match heal_on_status")
	}
}

func TestRunFastBypassesHealOnStatus(t *testing.T) {
	o, dir := newOrchestrator(t, Config{
		HealCmd:      []string{"/bin/true"},
		MainWireID:   "www",
		HealOnStatus: apollostatus.Critical,
	}, fakeConsul{
		checks: []NodeCheck{{CheckID: "www", Status: apollostatus.Warning, ByApollo: true}},
	})
	o.alreadyRan = true
	o.Run(context.Background(), true)

	data, err := os.ReadFile(filepath.Join(dir, "last-heal"))
	if err != nil {
		t.Fatalf("expected fast heal to run despite heal_on_status mismatch: %v", err)
	}
	var lh LastHeal
	if err := json.Unmarshal(data, &lh); err != nil {
		t.Fatal(err)
	}
	if lh.Status != "healed" || !lh.Fast {
		t.Fatalf("got %+v, want healed/fast", lh)
	}
}

func TestRunSkipsWhenHealCmdMissing(t *testing.T) {
	o, dir := newOrchestrator(t, Config{MainWireID: "www"}, fakeConsul{
		checks: []NodeCheck{{CheckID: "www", Status: apollostatus.Critical, ByApollo: true}},
	})
	o.alreadyRan = true
	o.Run(context.Background(), false)

	if _, err := os.Stat(filepath.Join(dir, "last-heal")); !os.IsNotExist(err) {
		t.Fatal("expected skip when heal_cmd is empty")
	}
}
