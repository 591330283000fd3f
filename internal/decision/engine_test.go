package decision

import (
	"testing"

	"github.com/flickr/apollo/internal/apollostatus"
)

func TestCanChangeStatusOORIsNoOp(t *testing.T) {
	r := CanChangeStatus(apollostatus.OOR, apollostatus.Passing, true, -1, 1000, 0, 0)
	if r.Transition != NoOp {
		t.Fatalf("OOR: got %v, want NoOp", r.Transition)
	}
}

func TestCanChangeStatusNotByApolloIsNoOp(t *testing.T) {
	r := CanChangeStatus(apollostatus.BAD, apollostatus.Passing, false, -1, 1000, 0, 0)
	if r.Transition != NoOp {
		t.Fatalf("not-by-apollo: got %v, want NoOp", r.Transition)
	}
}

func TestCanChangeStatusBadIdempotent(t *testing.T) {
	r := CanChangeStatus(apollostatus.BAD, apollostatus.Critical, true, 500, 1000, 0, 0)
	if r.Transition != NoOp {
		t.Fatalf("repeated BAD: got %v, want NoOp", r.Transition)
	}
}

func TestCanChangeStatusBadFromWarningAllowed(t *testing.T) {
	r := CanChangeStatus(apollostatus.BAD, apollostatus.Warning, true, 500, 1000, 0, 0)
	if r.Transition != Allow {
		t.Fatalf("BAD from warning: got %v, want Allow", r.Transition)
	}
}

func TestCanChangeStatusOKSuppressedDuringKeepCritical(t *testing.T) {
	r := CanChangeStatus(apollostatus.OK, apollostatus.Critical, true, 900, 1000, 300, 0)
	if r.Transition != Suppress || r.Overwrite != apollostatus.BAD {
		t.Fatalf("OK within keep_critical_secs: got %+v, want Suppress(BAD)", r)
	}
}

func TestCanChangeStatusOKAllowedAfterKeepCriticalExpires(t *testing.T) {
	r := CanChangeStatus(apollostatus.OK, apollostatus.Critical, true, 100, 1000, 300, 0)
	if r.Transition != Allow {
		t.Fatalf("OK after keep_critical_secs expiry: got %+v, want Allow", r)
	}
}

func TestCanChangeStatusOKSuppressedDuringKeepWarning(t *testing.T) {
	r := CanChangeStatus(apollostatus.OK, apollostatus.Warning, true, 950, 1000, 0, 100)
	if r.Transition != Suppress || r.Overwrite != apollostatus.WARN {
		t.Fatalf("OK within keep_warning_secs: got %+v, want Suppress(WARN)", r)
	}
}

func TestCanChangeStatusZeroKeepSecsAlwaysAllows(t *testing.T) {
	r := CanChangeStatus(apollostatus.OK, apollostatus.Critical, true, 999, 1000, 0, 0)
	if r.Transition != Allow {
		t.Fatalf("OK with keep_critical_secs=0: got %+v, want Allow", r)
	}
}

func TestParseThresholdPercent(t *testing.T) {
	n, err := ParseThreshold("30%", 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("ParseThreshold(30%%, 10) = %d, want 3", n)
	}
}

func TestParseThresholdPercentFloors(t *testing.T) {
	n, err := ParseThreshold("33%", 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("ParseThreshold(33%%, 10) = %d, want 3 (floor)", n)
	}
}

func TestParseThresholdAbsolute(t *testing.T) {
	n, err := ParseThreshold("4", 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("ParseThreshold(4, 10) = %d, want 4", n)
	}
}

func TestParseThresholdEmptyErrors(t *testing.T) {
	if _, err := ParseThreshold("", 10); err == nil {
		t.Fatal("expected error for empty threshold")
	}
}

func TestCanHostGoDownFullOutageDenied(t *testing.T) {
	h := apollostatus.ServiceHealth{Totals: map[apollostatus.ConsulStatus]int{apollostatus.Critical: 5}}
	if CanHostGoDown("web1", h, "50%", false) {
		t.Fatal("expected denial when no passing members remain and allow_full_outage=false")
	}
}

func TestCanHostGoDownFullOutageAllowed(t *testing.T) {
	// allow_full_outage only lifts rule 1; the first-N-bad rule still
	// applies, and web1 is within the 50%-of-5 = 2 budget.
	h := apollostatus.ServiceHealth{
		Totals:  map[apollostatus.ConsulStatus]int{apollostatus.Critical: 5},
		Members: []string{"web1", "web2", "web3", "web4", "web5"},
	}
	if !CanHostGoDown("web1", h, "50%", true) {
		t.Fatal("expected permission when allow_full_outage=true")
	}
}

func TestCanHostGoDownNoCriticalAlwaysPermits(t *testing.T) {
	h := apollostatus.ServiceHealth{Totals: map[apollostatus.ConsulStatus]int{apollostatus.Passing: 10}}
	if !CanHostGoDown("web1", h, "10%", false) {
		t.Fatal("expected permission when no cluster member is critical")
	}
}

func TestCanHostGoDownUnderThresholdPermits(t *testing.T) {
	h := apollostatus.ServiceHealth{
		Totals:  map[apollostatus.ConsulStatus]int{apollostatus.Passing: 8, apollostatus.Critical: 1},
		Members: []string{"web5"},
	}
	if !CanHostGoDown("web1", h, "50%", false) {
		t.Fatal("expected permission when critical count is under threshold")
	}
}

func TestCanHostGoDownFirstNBadTiebreaker(t *testing.T) {
	h := apollostatus.ServiceHealth{
		Totals:  map[apollostatus.ConsulStatus]int{apollostatus.Passing: 6, apollostatus.Critical: 4},
		Members: []string{"web4", "web1", "web3", "web2"},
	}
	// threshold_down = 20% of 10 = 2, so only the two lexicographically
	// smallest critical hostnames (web1, web2) may proceed.
	if !CanHostGoDown("web1", h, "20%", false) {
		t.Fatal("expected web1 (first-bad) to be permitted")
	}
	if !CanHostGoDown("web2", h, "20%", false) {
		t.Fatal("expected web2 (second-bad) to be permitted")
	}
	if CanHostGoDown("web3", h, "20%", false) {
		t.Fatal("expected web3 to be denied: budget already spent by web1/web2")
	}
	if CanHostGoDown("web4", h, "20%", false) {
		t.Fatal("expected web4 to be denied: budget already spent by web1/web2")
	}
}
