// Package consulclient is Apollo's narrow view of the Consul agent: register
// services with TTL checks, push pass/warn/fail, and read back per-node and
// per-service health. It is a thin wrapper over github.com/hashicorp/consul/api,
// the same client consul-replicate and ns1-consul-ns1 use, with bounded
// retries bolted onto the two calls that can't afford to fail silently.
package consulclient

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
)

const requestTimeout = 5 * time.Second

// Per-endpoint retry budgets for the two reads whose failure blocks a
// decision downstream. Other calls do not retry.
const (
	serviceMembersRetries = 4
	serviceMembersPause   = 1 * time.Second
	reportRetries         = 5
	reportPause           = 30 * time.Second
)

// Config is the connection configuration needed to build a client, covering
// TLS and ACL tokens the way consul-replicate's Consul.SSL/Consul.Auth
// sub-configs do.
type Config struct {
	Address    string
	Token      string
	TLSEnabled bool
	TLSVerify  bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
}

// Client is Apollo's Consul client.
type Client struct {
	api *consulapi.Client
	log hclog.Logger
}

// New builds a Client from Config.
func New(cfg Config, log hclog.Logger) (*Client, error) {
	acfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		acfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		acfg.Token = cfg.Token
	}
	if cfg.TLSEnabled {
		acfg.Scheme = "https"
		acfg.TLSConfig = consulapi.TLSConfig{
			Address:            cfg.ServerName,
			CAFile:             cfg.CACert,
			CertFile:           cfg.ClientCert,
			KeyFile:            cfg.ClientKey,
			InsecureSkipVerify: !cfg.TLSVerify,
		}
	}
	acfg.HttpClient = &http.Client{Timeout: requestTimeout}

	c, err := consulapi.NewClient(acfg)
	if err != nil {
		return nil, fmt.Errorf("consulclient: %w", err)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Client{api: c, log: log.Named("consul")}, nil
}

// RegisterSpec describes one service registration: either the main service
// or a sub-service.
type RegisterSpec struct {
	// WireID is the id Consul sees: the service name for the main service,
	// "<sub>-<service_name>" for sub-services.
	WireID string
	Port   *int
	Tags   []string

	// FrequencySeconds is the check's run interval; the TTL registered with
	// Consul is FrequencySeconds + Penalty.
	FrequencySeconds int
	Penalty          int
}

// RegisterService registers (or re-registers) a service with a TTL check,
// expressed via consul/api's AgentServiceRegistration instead of a
// hand-rolled JSON body — the pack already carries the typed client for it
// (registry.go's ServiceRegister pattern in consul-replicate).
func (c *Client) RegisterService(spec RegisterSpec) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:   spec.WireID,
		Name: spec.WireID,
		Tags: spec.Tags,
		Check: &consulapi.AgentServiceCheck{
			CheckID: spec.WireID,
			TTL:     fmt.Sprintf("%ds", spec.FrequencySeconds+spec.Penalty),
		},
	}
	if spec.Port != nil {
		reg.Port = *spec.Port
	}

	if err := c.api.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consulclient: register %q: %w", spec.WireID, err)
	}
	return nil
}

// Push sends a pass/warn/fail transition for wireID, carrying note. Push
// does not retry.
func (c *Client) Push(wireID string, v apollostatus.Verdict, note string) error {
	agent := c.api.Agent()
	switch v {
	case apollostatus.OK:
		return agent.PassTTL(wireID, note)
	case apollostatus.WARN:
		return agent.WarnTTL(wireID, note)
	default:
		return agent.FailTTL(wireID, note)
	}
}

var (
	lastChangeRe = regexp.MustCompile(`Last change was on ([0-9]+(?:\.[0-9]+)?)`)
	ttlExpiredRe = regexp.MustCompile(`TTL expired`)
	byApolloRe   = regexp.MustCompile(`by:apollo`)
)

// NodeCheck is the read model for one of this host's checks, parsed from
// `GET /v1/health/node/<hostname>`'s Output field.
type NodeCheck struct {
	ServiceID string
	Status    apollostatus.ConsulStatus
	CheckID   string
	Since     int64
	ByApollo  bool
}

// ListNode reads this node's checks. It does not retry.
func (c *Client) ListNode(hostname string) ([]NodeCheck, error) {
	checks, _, err := c.api.Health().Node(hostname, nil)
	if err != nil {
		return nil, fmt.Errorf("consulclient: list node %q: %w", hostname, err)
	}

	out := make([]NodeCheck, 0, len(checks))
	for _, chk := range checks {
		nc := NodeCheck{
			ServiceID: chk.ServiceID,
			CheckID:   chk.CheckID,
			Status:    apollostatus.ConsulStatus(chk.Status),
			ByApollo:  byApolloRe.MatchString(chk.Output),
		}
		switch {
		case ttlExpiredRe.MatchString(chk.Output):
			nc.Since = -1
		default:
			if m := lastChangeRe.FindStringSubmatch(chk.Output); m != nil {
				if f, err := strconv.ParseFloat(m[1], 64); err == nil {
					nc.Since = int64(f)
				}
			}
		}
		out = append(out, nc)
	}
	return out, nil
}

// ServiceMembers reads the cluster-wide health of a service, with a bounded
// retry budget (4 attempts, 1s pause) because the cluster-safety predicate
// in internal/decision depends on this call succeeding.
func (c *Client) ServiceMembers(service string, withHostnames bool) (apollostatus.ServiceHealth, error) {
	var lastErr error
	for attempt := 0; attempt < serviceMembersRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(serviceMembersPause)
		}
		entries, _, err := c.api.Health().Service(service, "", false, nil)
		if err != nil {
			lastErr = err
			c.log.Warn("service members read failed, retrying", "service", service, "attempt", attempt+1, "error", err)
			continue
		}
		return c.summarize(entries, withHostnames), nil
	}
	return apollostatus.ServiceHealth{}, fmt.Errorf("consulclient: service members %q: %w", service, lastErr)
}

func (c *Client) summarize(entries []*consulapi.ServiceEntry, withHostnames bool) apollostatus.ServiceHealth {
	totals := map[apollostatus.ConsulStatus]int{}
	var critical []string

	for _, e := range entries {
		status := apollostatus.Passing
		found := false
		for _, chk := range e.Checks {
			if chk.CheckID == "serfHealth" && chk.Status == string(apollostatus.Critical) {
				status = apollostatus.Critical
				found = true
				break
			}
			if chk.ServiceID == e.Service.ID {
				status = apollostatus.ConsulStatus(chk.Status)
				found = true
			}
		}
		if !found {
			status = apollostatus.Passing
		}

		totals[status]++
		if status == apollostatus.Critical && e.Node != nil {
			critical = append(critical, e.Node.Node)
		}
	}

	h := apollostatus.ServiceHealth{Totals: totals}
	if withHostnames {
		h.Members = apollostatus.SortedCriticalMembers(critical)
	}
	return h
}

// AgentCheck is one row of `GET /v1/agent/checks`, for the report writer.
type AgentCheck struct {
	CheckID string
	Status  apollostatus.ConsulStatus
}

// AllChecks reads every check registered on this agent, with a 5-attempt,
// 30s-pause retry budget reserved for the report fetch.
func (c *Client) AllChecks() ([]AgentCheck, error) {
	var lastErr error
	for attempt := 0; attempt < reportRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(reportPause)
		}
		checks, err := c.api.Agent().Checks()
		if err != nil {
			lastErr = err
			c.log.Warn("report fetch failed, retrying", "attempt", attempt+1, "error", err)
			continue
		}
		out := make([]AgentCheck, 0, len(checks))
		for id, chk := range checks {
			out = append(out, AgentCheck{CheckID: id, Status: apollostatus.ConsulStatus(chk.Status)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("consulclient: list checks: %w", lastErr)
}

// BuildNote encodes the by:apollo marker and transition timestamp carried
// in a push's note query parameter.
func BuildNote(byApollo bool, since int64) string {
	note := ""
	if byApollo {
		note = "by:apollo"
	}
	if since >= 0 {
		if note != "" {
			note += " "
		}
		note += fmt.Sprintf("Last change was on %d", since)
	}
	return note
}
