// Package apollostatus defines the exit-code vocabulary that check and heal
// scripts speak, and the APOLLO_* environment encoding exported to them.
package apollostatus

import (
	"fmt"
	"sort"
	"strings"
)

// Verdict is the core's interpretation of a check script's exit code.
type Verdict int

const (
	OK   Verdict = 0
	WARN Verdict = 1
	BAD  Verdict = 2
	OOR  Verdict = 3
)

// UNKNOWN shares WARN's numeric value: an out-of-table exit code is treated
// as a warning, not escalated to BAD.
const UNKNOWN = WARN

func (v Verdict) String() string {
	switch v {
	case OK:
		return "OK"
	case WARN:
		return "WARN"
	case BAD:
		return "BAD"
	case OOR:
		return "OOR"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// fastHealCodes are the "_HEAL_NOW" exit codes: a base verdict plus a
// request to run the heal command immediately instead of waiting for the
// heal timer.
const (
	okHealNow   = 100
	warnHealNow = 101
	badHealNow  = 102
)

// Decompose translates a raw check exit code into a base Verdict and a
// fast-heal flag. Codes outside the known table map to UNKNOWN (WARN).
func Decompose(exitCode int) (Verdict, bool) {
	switch exitCode {
	case int(OK):
		return OK, false
	case int(WARN):
		return WARN, false
	case int(BAD):
		return BAD, false
	case int(OOR):
		return OOR, false
	case okHealNow:
		return OK, true
	case warnHealNow:
		return WARN, true
	case badHealNow:
		return BAD, true
	default:
		return UNKNOWN, false
	}
}

// ConsulStatus is one of Consul's own check states.
type ConsulStatus string

const (
	Passing  ConsulStatus = "passing"
	Warning  ConsulStatus = "warning"
	Critical ConsulStatus = "critical"
)

// ToConsulStatus maps a base Verdict to the Consul status it is pushed as.
// OOR has no Consul status of its own; callers push fail (Critical) for it
// per spec, but ToConsulStatus is only meaningful for OK/WARN/BAD.
func (v Verdict) ToConsulStatus() ConsulStatus {
	switch v {
	case OK:
		return Passing
	case WARN:
		return Warning
	default:
		return Critical
	}
}

// ServiceHealth is the read model for a registered service's cluster-wide
// status, as seen from this host's single, fresh Consul read.
type ServiceHealth struct {
	// ID is the on-the-wire service/check id ("httpok-www" for sub-services,
	// or just the main service name).
	ID string

	// Status is this host's own current status for the service.
	Status ConsulStatus

	// Since is the unix-seconds timestamp of the last authored transition,
	// or -1 if the check's TTL expired without Apollo pushing anything.
	Since int64

	// ByApollo is true iff Apollo authored the last transition.
	ByApollo bool

	// Totals is the count of cluster members in each Consul status.
	Totals map[ConsulStatus]int

	// Members is the sorted set of hostnames currently Critical, used by
	// the first-N-bad tiebreaker. Nil unless the caller asked for member
	// detail.
	Members []string
}

// Any returns the total number of known cluster members.
func (h ServiceHealth) Any() int {
	total := 0
	for _, n := range h.Totals {
		total += n
	}
	return total
}

const envPrefix = "APOLLO_"
const snapshotPrefix = "APOLLO_SNAPSHOT_"

// BaseEnv returns the three unconditional APOLLO_* bindings every check and
// heal child process receives.
func BaseEnv(serviceName, colo string) map[string]string {
	return map[string]string{
		"APOLLO_RECORD":       fmt.Sprintf("%s.service.%s.consul", serviceName, colo),
		"APOLLO_DATACENTER":   colo,
		"APOLLO_SERVICE_NAME": serviceName,
	}
}

// EncodeServiceStatus builds the APOLLO_SERVICE_STATUS_<ID> environment
// binding for one registered service, id being the on-the-wire id.
func EncodeServiceStatus(id string, h ServiceHealth) (key, value string) {
	key = "APOLLO_SERVICE_STATUS_" + strings.ToUpper(sanitizeEnvName(id))

	any := h.Any()
	fields := []string{
		fmt.Sprintf("status=%s", h.Status),
		fmt.Sprintf("since=%d", h.Since),
	}

	for _, s := range []ConsulStatus{Passing, Warning, Critical} {
		count := h.Totals[s]
		fields = append(fields,
			fmt.Sprintf("%s=%d", s, count),
			fmt.Sprintf("%s_pct=%d", s, pct(count, any)),
		)
	}

	anyPct := 0
	if any > 0 {
		anyPct = 100
	}
	fields = append(fields, fmt.Sprintf("any=%d", any), fmt.Sprintf("any_pct=%d", anyPct))

	return key, strings.Join(fields, ",")
}

// pct integer-rounds count/total as a percentage in [0,100].
func pct(count, total int) int {
	if total <= 0 {
		return 0
	}
	return int((float64(count)*100.0/float64(total))+0.5)
}

// sanitizeEnvName upper-cases an id for use in an environment variable name,
// leaving hyphens as-is (APOLLO_SERVICE_STATUS_HTTPOK-WWW is the documented
// shape for sub-service ids).
func sanitizeEnvName(id string) string { return id }

// Snapshot returns a copy of env with every APOLLO_ key rewritten to the
// APOLLO_SNAPSHOT_ prefix.
func Snapshot(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if strings.HasPrefix(k, envPrefix) {
			out[snapshotPrefix+strings.TrimPrefix(k, envPrefix)] = v
		}
	}
	return out
}

// SortedCriticalMembers returns a freshly sorted copy of members, used by
// the first-N-bad tiebreaker that decides which hosts have spent the
// cluster's failure budget.
func SortedCriticalMembers(members []string) []string {
	out := make([]string, len(members))
	copy(out, members)
	sort.Strings(out)
	return out
}
