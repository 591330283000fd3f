package apollostatus

import "testing"

func TestDecompose(t *testing.T) {
	cases := []struct {
		code         int
		wantVerdict  Verdict
		wantFastHeal bool
	}{
		{0, OK, false},
		{1, WARN, false},
		{2, BAD, false},
		{3, OOR, false},
		{100, OK, true},
		{101, WARN, true},
		{102, BAD, true},
		{42, UNKNOWN, false},
		{-1, UNKNOWN, false},
	}

	for _, tc := range cases {
		v, fast := Decompose(tc.code)
		if v != tc.wantVerdict || fast != tc.wantFastHeal {
			t.Errorf("Decompose(%d) = (%v, %v), want (%v, %v)", tc.code, v, fast, tc.wantVerdict, tc.wantFastHeal)
		}
	}
}

func TestVerdictToConsulStatus(t *testing.T) {
	cases := []struct {
		v    Verdict
		want ConsulStatus
	}{
		{OK, Passing},
		{WARN, Warning},
		{BAD, Critical},
	}
	for _, tc := range cases {
		if got := tc.v.ToConsulStatus(); got != tc.want {
			t.Errorf("%v.ToConsulStatus() = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestEncodeServiceStatus(t *testing.T) {
	h := ServiceHealth{
		Status: Passing,
		Since:  100,
		Totals: map[ConsulStatus]int{Passing: 3, Warning: 1, Critical: 0},
	}
	key, value := EncodeServiceStatus("httpok-www", h)

	if key != "APOLLO_SERVICE_STATUS_HTTPOK-WWW" {
		t.Errorf("unexpected key %q", key)
	}
	if value == "" {
		t.Fatal("expected non-empty value")
	}
}

func TestSnapshotRewritesPrefix(t *testing.T) {
	env := map[string]string{
		"APOLLO_RECORD":     "svc.service.dc.consul",
		"APOLLO_DATACENTER": "dc",
		"UNRELATED":         "x",
	}
	snap := Snapshot(env)

	if len(snap) != 2 {
		t.Fatalf("expected 2 snapshotted keys, got %d: %v", len(snap), snap)
	}
	if snap["APOLLO_SNAPSHOT_RECORD"] != "svc.service.dc.consul" {
		t.Errorf("missing rewritten key, got %v", snap)
	}
	if _, ok := snap["UNRELATED"]; ok {
		t.Errorf("non-APOLLO key leaked into snapshot: %v", snap)
	}
}

func TestSortedCriticalMembers(t *testing.T) {
	in := []string{"web3", "web1", "web2"}
	out := SortedCriticalMembers(in)
	want := []string{"web1", "web2", "web3"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("SortedCriticalMembers(%v) = %v, want %v", in, out, want)
		}
	}
	if in[0] != "web3" {
		t.Errorf("SortedCriticalMembers mutated its input")
	}
}

func TestPctRounding(t *testing.T) {
	cases := []struct {
		count, total, want int
	}{
		{1, 3, 33},
		{2, 3, 67},
		{0, 0, 0},
		{5, 5, 100},
	}
	for _, tc := range cases {
		if got := pct(tc.count, tc.total); got != tc.want {
			t.Errorf("pct(%d, %d) = %d, want %d", tc.count, tc.total, got, tc.want)
		}
	}
}
