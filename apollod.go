package main

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
	"github.com/flickr/apollo/internal/consulclient"
	"github.com/flickr/apollo/internal/heal"
	"github.com/flickr/apollo/internal/ledger"
	"github.com/flickr/apollo/internal/report"
	"github.com/flickr/apollo/internal/scheduler"
)

// Daemon wires the narrow packages (consulclient, scheduler, decision, heal,
// report) into the running process, folded into package main the way
// consul-replicate folds its Runner construction straight into the CLI
// rather than a separate package.
type Daemon struct {
	cfg    *Config
	log    hclog.Logger
	consul *consulclient.Client

	specs []scheduler.CheckSpec
	sched *scheduler.Scheduler
	orch  *heal.Orchestrator

	snapshot *snapshotStore
	checks   []registeredCheck
}

// registeredCheck is one entry of the env-building table: every registered
// service, main or sub, in the order APOLLO_SERVICE_STATUS_* entries are
// built for.
type registeredCheck struct {
	wireID string
}

// NewDaemon builds every collaborator and registers all services with
// Consul, but does not yet start any timers.
func NewDaemon(cfg *Config, log hclog.Logger) (*Daemon, error) {
	consul, err := consulclient.New(consulclient.Config{
		Address:    cfg.Consul,
		Token:      cfg.Token,
		TLSEnabled: cfg.SSL != nil && (cfg.SSL.Cert != "" || cfg.SSL.CaCert != "" || cfg.SSL.Verify),
		TLSVerify:  cfg.SSL == nil || cfg.SSL.Verify,
		CACert:     sslField(cfg, func(s *SSLConfig) string { return s.CaCert }),
		ClientCert: sslField(cfg, func(s *SSLConfig) string { return s.Cert }),
		ClientKey:  sslField(cfg, func(s *SSLConfig) string { return s.Key }),
		ServerName: sslField(cfg, func(s *SSLConfig) string { return s.ServerName }),
	}, log)
	if err != nil {
		return nil, err
	}

	if err := ledger.Clear(cfg.TrackDirectory); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		consul:   consul,
		snapshot: newSnapshotStore(),
	}

	d.specs = d.buildSpecs()
	for _, s := range d.specs {
		d.checks = append(d.checks, registeredCheck{wireID: s.WireID})
	}

	if err := d.registerAll(); err != nil {
		return nil, err
	}

	d.orch = heal.New(heal.Config{
		HealCmd:          splitArgv(cfg.HealCmd),
		HealDryrun:       cfg.HealDryrun,
		HealOnStatus:     apollostatus.ConsulStatus(cfg.HealOnStatus),
		MainWireID:       cfg.ServiceName,
		Hostname:         cfg.Hostname,
		ActiveMarkerFile: activeMarkerPath(cfg),
		LastHealFile:     lastHealPath(cfg),
	}, healConsulAdapter{consul}, log, d.buildEnv, d.snapshotOverlay)

	d.sched = scheduler.New(log, d.tickDepsFor, cfg.HealFrequency, d.runHeal)
	return d, nil
}

// buildSpecs lists sub-services before the main service, per
// scheduler.BuildSchedule's requirement, then assigns jitter.
func (d *Daemon) buildSpecs() []scheduler.CheckSpec {
	var specs []scheduler.CheckSpec

	names := make([]string, 0, len(d.cfg.ExtraService))
	for name := range d.cfg.ExtraService {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := d.cfg.ExtraService[name]
		specs = append(specs, scheduler.CheckSpec{
			ID:               name,
			WireID:           name + "-" + d.cfg.ServiceName,
			IsMain:           false,
			Argv:             splitArgv(svc.Healthcheck),
			FrequencySeconds: svc.Frequency,
			Retries:          svc.Retries,
		})
	}

	specs = append(specs, scheduler.CheckSpec{
		ID:               d.cfg.ServiceName,
		WireID:           d.cfg.ServiceName,
		IsMain:           true,
		Argv:             splitArgv(d.cfg.ServiceCmd),
		FrequencySeconds: int(d.cfg.ServiceFrequency / time.Second),
		Retries:          1,
	})

	return scheduler.BuildSchedule(specs, nil)
}

// registerAll registers every check with Consul and pushes an initial
// by:apollo passing push for each, so the first real tick's CanChangeStatus
// call sees an authored, not-OOR current state instead of relying on
// currentState's unseen-check default.
func (d *Daemon) registerAll() error {
	var port *int
	if d.cfg.Port != 0 {
		p := d.cfg.Port
		port = &p
	}

	for _, spec := range d.specs {
		if err := d.consul.RegisterService(consulclient.RegisterSpec{
			WireID:           spec.WireID,
			Port:             port,
			Tags:             d.cfg.TagsList,
			FrequencySeconds: spec.FrequencySeconds,
			Penalty:          d.cfg.Penalty,
		}); err != nil {
			return err
		}
		if err := d.consul.Push(spec.WireID, apollostatus.OK, consulclient.BuildNote(true, time.Now().Unix())); err != nil {
			d.log.Warn("initial push failed", "check", spec.ID, "error", err)
		}
	}
	return nil
}

// tickDepsFor builds fresh TickDeps for one CheckSpec: no state is held
// across ticks except the ledger/snapshot/bad-flag files.
func (d *Daemon) tickDepsFor(spec scheduler.CheckSpec) scheduler.TickDeps {
	return scheduler.TickDeps{
		Consul:           d.consul,
		Ledger:           ledger.Open(d.cfg.TrackDirectory, spec.ID),
		Log:              d.log,
		ServiceName:      d.cfg.ServiceName,
		Hostname:         d.cfg.Hostname,
		KeepCriticalSecs: d.cfg.KeepCriticalSecs,
		KeepWarningSecs:  d.cfg.KeepWarningSecs,
		ThresholdDown:    d.cfg.ThresholdDown,
		AllowFullOutage:  d.cfg.AllowFullOutage,
		BadFlagFile:      badFlagPath(d.cfg),
		BuildEnv:         d.buildEnv,
		Snapshot:         d.snapshot,
		OnFastHeal:       d.sched.FastHeal,
	}
}

// buildEnv assembles the full APOLLO_* environment: the three unconditional
// bindings, one APOLLO_SERVICE_STATUS_* entry per registered service read
// fresh from Consul, and the active snapshot overlay, if any.
func (d *Daemon) buildEnv() map[string]string {
	env := apollostatus.BaseEnv(d.cfg.ServiceName, d.cfg.Colo)

	for _, c := range d.checks {
		health, err := d.consul.ServiceMembers(c.wireID, false)
		if err != nil {
			d.log.Warn("service status read failed, omitting from environment", "service", c.wireID, "error", err)
			continue
		}
		if nodeChecks, err := d.consul.ListNode(d.cfg.Hostname); err == nil {
			for _, nc := range nodeChecks {
				if nc.CheckID == c.wireID {
					health.Status = nc.Status
					health.Since = nc.Since
					health.ByApollo = nc.ByApollo
					break
				}
			}
		}
		key, value := apollostatus.EncodeServiceStatus(c.wireID, health)
		env[key] = value
	}

	for k, v := range d.snapshot.Get() {
		env[k] = v
	}

	return env
}

// runHeal adapts the daemon's single long-lived heal.Orchestrator to
// scheduler.HealFunc. The orchestrator is built once in NewDaemon and reused
// across every tick of the heal loop: it tracks alreadyRan across calls so
// the first invocation after startup is always skipped, which a freshly
// built Orchestrator per call would defeat.
func (d *Daemon) runHeal(fast bool) {
	d.orch.Run(context.Background(), fast)
	d.writeReport()
}

// snapshotOverlay adapts snapshotStore.Get to heal.New's extraEnv signature,
// returning nil instead of an empty map when no snapshot is active.
func (d *Daemon) snapshotOverlay() map[string]string {
	snap := d.snapshot.Get()
	if len(snap) == 0 {
		return nil
	}
	return snap
}

// writeReport reads every check on this agent back and renders the
// plaintext report.
func (d *Daemon) writeReport() {
	agentChecks, err := d.consul.AllChecks()
	if err != nil {
		d.log.Error("report: failed to read checks", "error", err)
		return
	}

	rows := make([]report.Check, 0, len(agentChecks))
	for _, c := range agentChecks {
		rows = append(rows, report.Check{ID: c.CheckID, Status: c.Status})
	}
	if err := report.Write(d.cfg.ReportFile, rows); err != nil {
		d.log.Error("report: write failed", "error", err)
	}
}

// Start arms every check timer and the heal loop.
func (d *Daemon) Start() { d.sched.Start(d.specs) }

// Stop tears every timer down and waits for in-flight ticks to finish.
func (d *Daemon) Stop() { d.sched.Stop() }

// snapshotStore is the concurrency-safe SnapshotStore scheduler.TickDeps
// needs: one overlay, captured when the main service first crosses into a
// non-OK verdict and cleared once it recovers.
type snapshotStore struct {
	mu  sync.Mutex
	env map[string]string
}

func newSnapshotStore() *snapshotStore { return &snapshotStore{} }

func (s *snapshotStore) Capture(env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env != nil {
		// A snapshot is already active; the first one is kept until the main
		// service recovers, so a second non-OK crossing is a no-op.
		return
	}
	s.env = apollostatus.Snapshot(env)
}

func (s *snapshotStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = nil
}

func (s *snapshotStore) Get() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		return nil
	}
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// healConsulAdapter adapts *consulclient.Client to heal.ConsulPort, whose
// NodeCheck is a local type to avoid an import cycle between internal/heal
// and internal/consulclient.
type healConsulAdapter struct {
	c *consulclient.Client
}

func (a healConsulAdapter) ListNode(hostname string) ([]heal.NodeCheck, error) {
	checks, err := a.c.ListNode(hostname)
	if err != nil {
		return nil, err
	}
	out := make([]heal.NodeCheck, len(checks))
	for i, c := range checks {
		out[i] = heal.NodeCheck{CheckID: c.CheckID, Status: c.Status, ByApollo: c.ByApollo}
	}
	return out, nil
}

func splitArgv(cmd string) []string {
	return strings.Fields(cmd)
}

func sslField(cfg *Config, get func(*SSLConfig) string) string {
	if cfg.SSL == nil {
		return ""
	}
	return get(cfg.SSL)
}

func badFlagPath(cfg *Config) string {
	return cfg.TrackDirectory + "/.bad"
}

func activeMarkerPath(cfg *Config) string {
	return cfg.TrackDirectory + "/.heal-active"
}

func lastHealPath(cfg *Config) string {
	return cfg.TrackDirectory + "/.last-heal"
}
