package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flickr/apollo/internal/apollostatus"
	"github.com/flickr/apollo/internal/check"
	"github.com/flickr/apollo/internal/consulclient"
	"github.com/flickr/apollo/internal/decision"
	"github.com/flickr/apollo/internal/ledger"
)

// TickDeps are the fresh, per-tick collaborators: no state is held across
// ticks except the ledger file and (for the main service) the snapshot and
// bad-flag file.
type TickDeps struct {
	Consul ConsulPort
	Ledger *ledger.Ledger
	Log    hclog.Logger

	ServiceName string
	Hostname    string

	KeepCriticalSecs int64
	KeepWarningSecs  int64
	ThresholdDown    string
	AllowFullOutage  bool

	BadFlagFile string

	// BuildEnv returns the full APOLLO_* environment (base bindings plus one
	// APOLLO_SERVICE_STATUS_* entry per registered service) to pass to the
	// check script.
	BuildEnv func() map[string]string

	// Snapshot stores or clears the environment snapshot captured when the
	// main service first crosses into a non-OK verdict.
	Snapshot SnapshotStore

	// OnFastHeal is invoked when a check's raw verdict requests an
	// immediate heal.
	OnFastHeal func()
}

// SnapshotStore holds the one active environment snapshot, if any.
type SnapshotStore interface {
	Capture(env map[string]string)
	Clear()
}

// now is overridable in tests.
var now = func() int64 { return time.Now().Unix() }

// RunTick runs one check, decides whether and what to push to Consul, and
// maintains the retry ledger and bad-flag file.
func RunTick(ctx context.Context, spec CheckSpec, deps TickDeps) {
	result := check.Run(ctx, spec.Argv, deps.BuildEnv(), deps.Log.Named(spec.ID))
	verdict, fastHeal := result.Verdict, result.FastHeal

	nodeChecks, err := deps.Consul.ListNode(deps.Hostname)
	if err != nil {
		deps.Log.Error("failed to read node checks, treating tick as no-op", "check", spec.ID, "error", err)
		return
	}
	current, byApollo, since := currentState(nodeChecks, spec.WireID)

	// Step 1: OOR relinquishes authorship unconditionally, so the next
	// non-OOR recovery is never suppressed by hysteresis over a status
	// Apollo itself didn't author.
	if verdict == apollostatus.OOR {
		byApollo = false
	}

	// Step 2: cluster-safety gate, main service only, non-OK/OOR verdicts.
	if spec.IsMain && verdict != apollostatus.OK && verdict != apollostatus.OOR {
		health, err := deps.Consul.ServiceMembers(deps.ServiceName, true)
		if err != nil {
			deps.Log.Error("service members read failed, denying cluster-safety", "error", err)
			verdict = apollostatus.OK
		} else if !decision.CanHostGoDown(deps.Hostname, health, deps.ThresholdDown, deps.AllowFullOutage) {
			verdict = apollostatus.OK
		}
	}

	transition := decision.CanChangeStatus(verdict, current, byApollo, since, now(), deps.KeepCriticalSecs, deps.KeepWarningSecs)

	// Step 3: snapshot capture, main service only, on an allowed non-OK
	// transition.
	if spec.IsMain && verdict != apollostatus.OK && verdict != apollostatus.OOR && transition.Transition == decision.Allow {
		deps.Snapshot.Capture(deps.BuildEnv())
	}

	// Step 4: snapshot clear, main service only, once the recovery to OK
	// actually goes out (not while hysteresis is still suppressing it back
	// to BAD/WARN), so the next incident starts from a fresh capture.
	if spec.IsMain && verdict == apollostatus.OK && transition.Transition == decision.Allow {
		deps.Snapshot.Clear()
	}

	pushVerdict := resolvePushVerdict(transition, verdict)

	// Step 5: retry-ledger write and demotion. A raw BAD is only pushed as
	// BAD once the last `Retries` consecutive ledger entries are all BAD;
	// until then it is sent as WARN on the wire while BAD is what's
	// recorded in the ledger. OOR never gets a ledger entry.
	if verdict != apollostatus.OOR {
		if err := deps.Ledger.Append(ledger.Entry{TimestampSeconds: now(), Verdict: verdict}); err != nil {
			deps.Log.Error("ledger write failed", "check", spec.ID, "error", err)
		}
		if verdict == apollostatus.BAD && pushVerdict == apollostatus.BAD && spec.Retries > 1 {
			entries, err := deps.Ledger.Read()
			if err == nil && !ledger.HardFailing(entries, spec.Retries) {
				pushVerdict = apollostatus.WARN
			}
		}
	}

	// Step 6: bad-flag file, main service only.
	if spec.IsMain {
		maintainBadFlag(deps.BadFlagFile, pushVerdict == apollostatus.BAD, deps.Log)
	}

	// OOR always pushes fail regardless of hysteresis: it relinquished
	// authorship above, so CanChangeStatus's NoOp for OOR is overridden
	// here.
	if verdict == apollostatus.OOR {
		note := consulclient.BuildNote(false, now())
		if err := deps.Consul.Push(spec.WireID, apollostatus.BAD, note); err != nil {
			deps.Log.Error("push failed", "check", spec.ID, "verdict", "OOR", "error", err)
		}
		return
	}

	// Step 7: push, unless this tick genuinely has nothing to say.
	if transition.Transition == decision.NoOp {
		if fastHeal && deps.OnFastHeal != nil {
			deps.OnFastHeal()
		}
		return
	}

	sinceOut := since
	if transition.Transition == decision.Allow {
		sinceOut = now()
	}
	note := consulclient.BuildNote(true, sinceOut)

	if err := deps.Consul.Push(spec.WireID, pushVerdict, note); err != nil {
		deps.Log.Error("push failed", "check", spec.ID, "verdict", pushVerdict, "error", err)
	}

	// Step 8: fast-heal.
	if fastHeal && deps.OnFastHeal != nil {
		deps.OnFastHeal()
	}
}

// currentState finds wireID's entry among this host's node checks and
// returns its current Consul status, authorship, and transition timestamp.
// A check Consul has never seen a push for (freshly registered, no note)
// is treated as Passing/by-apollo/since=-1 so the first tick after
// registration can establish authorship rather than NO-OP forever.
func currentState(checks []consulclient.NodeCheck, wireID string) (apollostatus.ConsulStatus, bool, int64) {
	for _, c := range checks {
		if c.CheckID == wireID {
			return c.Status, c.ByApollo, c.Since
		}
	}
	return apollostatus.Passing, true, -1
}

func resolvePushVerdict(t decision.Result, raw apollostatus.Verdict) apollostatus.Verdict {
	if t.Transition == decision.Suppress {
		return t.Overwrite
	}
	return raw
}

func maintainBadFlag(path string, bad bool, log hclog.Logger) {
	if path == "" {
		return
	}
	if bad {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			log.Error("failed to create bad-flag file", "path", path, "error", err)
			return
		}
		f.Close()
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("failed to remove bad-flag file", "path", path, "error", err)
	}
}
