// Package heal implements the gated heal invocation: check preconditions,
// overlay the frozen environment snapshot, run the heal command, and
// maintain the marker files downstream tooling reads.
package heal

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
	"github.com/flickr/apollo/internal/check"
)

// ConsulPort is the narrow read Heal needs: the current status of the main
// service.
type ConsulPort interface {
	ListNode(hostname string) ([]NodeCheck, error)
}

// NodeCheck mirrors consulclient.NodeCheck to avoid an import cycle; the
// caller adapts consulclient.Client to this shape.
type NodeCheck struct {
	CheckID  string
	Status   apollostatus.ConsulStatus
	ByApollo bool
}

// Config is the orchestrator's gating configuration.
type Config struct {
	HealCmd      []string
	HealDryrun   bool
	HealOnStatus apollostatus.ConsulStatus // "any" is represented as the zero value check below
	MainWireID   string
	Hostname     string

	ActiveMarkerFile string
	LastHealFile     string
}

// isAny reports whether HealOnStatus means "any status"; heal_on_status is
// compared against Consul's own status vocabulary, not the check-script
// exit vocabulary.
func (c Config) isAny() bool { return c.HealOnStatus == "" || c.HealOnStatus == "any" }

// LastHeal is the JSON shape written to LastHealFile.
type LastHeal struct {
	Time   int64  `json:"time"`
	Fast   bool   `json:"fast"`
	Status string `json:"status"`
}

// Orchestrator runs heal cycles. alreadyRan records whether Run has been
// called before: the first call to Run returns without healing. This is in
// addition to the scheduler's heal loop dropping its own first firing, so
// the first call that reaches Run (the loop's second firing, or an earlier
// fast-heal request) is skipped as well.
type Orchestrator struct {
	cfg        Config
	consul     ConsulPort
	log        hclog.Logger
	snapshot   func() map[string]string
	buildEnv   func() map[string]string
	alreadyRan bool
}

// New builds an Orchestrator. buildEnv returns the unconditional APOLLO_*
// bindings; snapshot returns the frozen APOLLO_SNAPSHOT_* overlay (possibly
// empty) captured by the decision engine.
func New(cfg Config, consul ConsulPort, log hclog.Logger, buildEnv, snapshot func() map[string]string) *Orchestrator {
	return &Orchestrator{cfg: cfg, consul: consul, log: log, buildEnv: buildEnv, snapshot: snapshot}
}

// Run executes one heal cycle. fast is true for a fast-heal request that
// bypasses heal_on_status gating.
func (o *Orchestrator) Run(ctx context.Context, fast bool) {
	// Precondition 1.
	if o.cfg.HealDryrun {
		o.log.Info("heal dry-run, skipping invocation")
		return
	}

	// Precondition 2.
	if !o.alreadyRan {
		o.alreadyRan = true
		o.log.Debug("first heal tick, skipping to let checks publish status")
		return
	}

	// Precondition 3.
	checks, err := o.consul.ListNode(o.cfg.Hostname)
	if err != nil {
		o.log.Error("failed to read main service status, skipping heal", "error", err)
		return
	}
	status, byApollo := mainStatus(checks, o.cfg.MainWireID)
	if !byApollo {
		o.log.Debug("main service status not authored by apollo, skipping heal")
		return
	}

	// Precondition 4.
	if !fast && !o.cfg.isAny() && status != o.cfg.HealOnStatus {
		o.log.Debug("status does not match heal_on_status, skipping heal", "status", status, "heal_on_status", o.cfg.HealOnStatus)
		return
	}

	// Precondition 5.
	if len(o.cfg.HealCmd) == 0 {
		o.log.Warn("no heal_cmd configured, skipping heal")
		return
	}
	if _, err := exec.LookPath(o.cfg.HealCmd[0]); err != nil {
		o.log.Warn("heal command not executable, skipping heal", "cmd", o.cfg.HealCmd[0], "error", err)
		return
	}

	env := o.cfg.environment(o.buildEnv(), o.snapshot(), fast)

	o.touchActive()
	o.writeLastHeal(LastHeal{Time: time.Now().Unix(), Fast: fast, Status: "starting"})

	result := check.Run(ctx, o.cfg.HealCmd, env, o.log.Named("heal"))

	o.removeActive()
	finalStatus := "unknown"
	if !result.TimedOut {
		finalStatus = "failed"
		if result.Verdict == apollostatus.OK {
			finalStatus = "healed"
		}
	}
	o.writeLastHeal(LastHeal{Time: time.Now().Unix(), Fast: fast, Status: finalStatus})
}

func (c Config) environment(base, snapshot map[string]string, fast bool) map[string]string {
	env := make(map[string]string, len(base)+len(snapshot)+1)
	for k, v := range base {
		env[k] = v
	}
	for k, v := range snapshot {
		env[k] = v
	}
	if fast {
		env["APOLLO_FAST_HEALING"] = "1"
	}
	return env
}

func mainStatus(checks []NodeCheck, wireID string) (apollostatus.ConsulStatus, bool) {
	for _, c := range checks {
		if c.CheckID == wireID {
			return c.Status, c.ByApollo
		}
	}
	return apollostatus.Passing, false
}

func (o *Orchestrator) touchActive() {
	if o.cfg.ActiveMarkerFile == "" {
		return
	}
	f, err := os.OpenFile(o.cfg.ActiveMarkerFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		o.log.Error("failed to touch heal-active marker", "path", o.cfg.ActiveMarkerFile, "error", err)
		return
	}
	f.Close()
}

func (o *Orchestrator) removeActive() {
	if o.cfg.ActiveMarkerFile == "" {
		return
	}
	if err := os.Remove(o.cfg.ActiveMarkerFile); err != nil && !os.IsNotExist(err) {
		o.log.Error("failed to remove heal-active marker", "path", o.cfg.ActiveMarkerFile, "error", err)
	}
}

func (o *Orchestrator) writeLastHeal(v LastHeal) {
	if o.cfg.LastHealFile == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		o.log.Error("failed to encode last-heal marker", "error", err)
		return
	}
	if err := os.WriteFile(o.cfg.LastHealFile, data, 0o644); err != nil {
		o.log.Error("failed to write last-heal marker", "path", o.cfg.LastHealFile, "error", err)
	}
}
