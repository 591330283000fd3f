package scheduler

import (
	"time"

	"github.com/flickr/apollo/internal/apollostatus"
	"github.com/flickr/apollo/internal/consulclient"
)

// ConsulPort is the subset of *consulclient.Client the scheduler depends on
// (the heal orchestrator has its own narrower port), narrowed to an interface so tests can substitute a
// fake (consul-replicate's runner_test.go substitutes a fake watcher/client
// the same way).
type ConsulPort interface {
	RegisterService(spec consulclient.RegisterSpec) error
	Push(wireID string, v apollostatus.Verdict, note string) error
	ListNode(hostname string) ([]consulclient.NodeCheck, error)
	ServiceMembers(service string, withHostnames bool) (apollostatus.ServiceHealth, error)
	AllChecks() ([]consulclient.AgentCheck, error)
}

// CheckSpec describes one scheduled check: the main service or a
// sub-service.
type CheckSpec struct {
	// ID is the human name used for the retry ledger and logs: the
	// sub-service's config key, or the service_name for the main check.
	ID string

	// WireID is the id Consul sees: "<sub>-<service_name>" for sub-services,
	// service_name for the main service.
	WireID string

	IsMain bool

	// Argv is the check script split on whitespace, argv[0] first.
	Argv []string

	FrequencySeconds int
	Retries          int

	// StartJitter is the fixed, once-assigned offset this check sleeps
	// before running its body on every firing.
	StartJitter time.Duration
}
