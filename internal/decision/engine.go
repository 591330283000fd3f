// Package decision implements Apollo's two pure predicates: hysteresis
// (CanChangeStatus) and cluster-safety (CanHostGoDown), plus threshold
// translation. Both are free functions over fresh reads handed in by the
// caller: no package-level state, no caching of Consul reads across ticks.
package decision

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/flickr/apollo/internal/apollostatus"
)

// Transition is the outcome of CanChangeStatus.
type Transition int

const (
	// Allow means: push the new verdict.
	Allow Transition = iota
	// Suppress means: push Overwrite instead of the new verdict.
	Suppress
	// NoOp means: nothing to push this tick.
	NoOp
)

// Result is CanChangeStatus's full answer.
type Result struct {
	Transition Transition
	// Overwrite is only meaningful when Transition == Suppress.
	Overwrite apollostatus.Verdict
}

// CanChangeStatus implements Apollo's hysteresis rules in order. now, since
// are unix seconds; since is the current status's last authored transition
// timestamp (or -1 if unknown/expired).
func CanChangeStatus(newVerdict apollostatus.Verdict, current apollostatus.ConsulStatus, byApollo bool, since, now int64, keepCriticalSecs, keepWarningSecs int64) Result {
	// Rule 1: OOR is authored externally; the engine does not push a
	// transition for it here — the caller's check-tick path is the one that
	// sets by_apollo=false for OOR.
	if newVerdict == apollostatus.OOR {
		return Result{Transition: NoOp}
	}

	// Rule 2: Apollo never overrides a status it didn't author.
	if !byApollo {
		return Result{Transition: NoOp}
	}

	switch newVerdict {
	case apollostatus.BAD:
		// Rule 3.
		if current == apollostatus.Critical {
			return Result{Transition: NoOp}
		}
		return Result{Transition: Allow}

	case apollostatus.WARN:
		// Rule 4.
		if current == apollostatus.Warning {
			return Result{Transition: NoOp}
		}
		return Result{Transition: Allow}

	case apollostatus.OK:
		// Rule 5.
		if current == apollostatus.Critical {
			if keepCriticalSecs == 0 || (now-since) > keepCriticalSecs {
				return Result{Transition: Allow}
			}
			return Result{Transition: Suppress, Overwrite: apollostatus.BAD}
		}
		// Rule 6.
		if current == apollostatus.Warning {
			if keepWarningSecs == 0 || (now-since) > keepWarningSecs {
				return Result{Transition: Allow}
			}
			return Result{Transition: Suppress, Overwrite: apollostatus.WARN}
		}
	}

	// Rule 7.
	return Result{Transition: Allow}
}

// thresholdPercentRe matches a threshold_down value like "30%".
var thresholdPercentRe = regexp.MustCompile(`^([0-9]+)%$`)

// ParseThreshold computes down_threshold from a configured threshold_down
// value ("N" or "N%") and the current any_total.
// An empty threshold string means "not configured"; callers should treat
// that as CanHostGoDown's rule 3 (permit).
func ParseThreshold(threshold string, anyTotal int) (int, error) {
	threshold = strings.TrimSpace(threshold)
	if threshold == "" {
		return 0, fmt.Errorf("decision: no threshold configured")
	}
	if m := thresholdPercentRe.FindStringSubmatch(threshold); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("decision: invalid threshold_down %q: %w", threshold, err)
		}
		return int(math.Floor(float64(anyTotal) * float64(pct) / 100.0)), nil
	}
	n, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("decision: invalid threshold_down %q: %w", threshold, err)
	}
	return n, nil
}

// CanHostGoDown implements Apollo's cluster-safety predicate: whether this
// host is allowed to report a non-OK main-service status without tipping
// the cluster below its failure budget.
// health must have been read fresh (with hostnames) immediately before this
// call; it must never be cached across ticks.
func CanHostGoDown(hostname string, health apollostatus.ServiceHealth, thresholdDown string, allowFullOutage bool) bool {
	passingTotal := health.Totals[apollostatus.Passing]
	criticalTotal := health.Totals[apollostatus.Critical]
	anyTotal := health.Any()

	// Rule 1.
	if passingTotal == 0 && !allowFullOutage {
		return false
	}
	// Rule 2.
	if criticalTotal == 0 {
		return true
	}
	// Rule 3.
	downThreshold, err := ParseThreshold(thresholdDown, anyTotal)
	if err != nil {
		return true
	}
	// Rule 5.
	if criticalTotal < downThreshold {
		return true
	}

	// Rule 6: the first downThreshold lexicographically-smallest critical
	// hostnames are the ones already "spent" from the failure budget.
	sorted := apollostatus.SortedCriticalMembers(health.Members)
	if downThreshold > len(sorted) {
		downThreshold = len(sorted)
	}
	firstBad := sorted[:downThreshold]

	idx := sort.SearchStrings(firstBad, hostname)
	return idx < len(firstBad) && firstBad[idx] == hostname
}
