package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flickr/apollo/internal/logging"
	"github.com/flickr/apollo/version"
)

// Exit codes, the same int-vocabulary convention consul-replicate's cli.go
// uses so wrapper scripts can branch on cause without parsing stderr.
const (
	ExitCodeOK int = 0

	ExitCodeError = 10 + iota
	ExitCodeParseFlagsError
	ExitCodeConfigError
	ExitCodePIDFileError
	ExitCodeDaemonError
)

// CLI is Apollo's entry point.
type CLI struct {
	sync.Mutex

	outStream, errStream io.Writer
	signalCh             chan os.Signal
}

func NewCLI(out, err io.Writer) *CLI {
	return &CLI{
		outStream: out,
		errStream: err,
		signalCh:  make(chan os.Signal, 1),
	}
}

// Run parses args, loads configuration, and runs the daemon until a
// terminating signal arrives.
func (cli *CLI) Run(args []string) int {
	cliCfg, configPaths, isVersion, debug, err := cli.ParseFlags(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			fmt.Fprintf(cli.errStream, usage, version.Name)
			return ExitCodeOK
		}
		fmt.Fprintln(cli.errStream, err.Error())
		return ExitCodeParseFlagsError
	}

	if isVersion {
		fmt.Fprintf(cli.errStream, "%s\n", version.HumanVersion())
		return ExitCodeOK
	}

	cfg, err := loadConfigs(configPaths, cliCfg)
	if err != nil {
		return cli.logConfigError(err)
	}
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return cli.logConfigError(err)
	}

	log, err := logging.Setup(logging.Config{
		Level:          cfg.LogLevel,
		Debug:          debug,
		SyslogEnabled:  cfg.Syslog != nil && cfg.Syslog.Enabled,
		SyslogFacility: syslogFacility(cfg),
		Name:           version.Name,
		Writer:         cli.errStream,
	})
	if err != nil {
		return cli.logConfigError(err)
	}
	log.Info("starting", "version", version.HumanVersion())

	if err := writePIDFile(cfg.PidFile); err != nil {
		log.Error("pid file", "error", err)
		return ExitCodePIDFileError
	}
	defer removePIDFile(cfg.PidFile)

	daemon, err := NewDaemon(cfg, log)
	if err != nil {
		log.Error("daemon init failed", "error", err)
		return ExitCodeDaemonError
	}
	daemon.Start()

	signal.Notify(cli.signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range cli.signalCh {
		log.Debug("received signal", "signal", s)
		switch s {
		case syscall.SIGHUP:
			log.Info("reloading configuration")
			newCfg, err := loadConfigs(configPaths, cliCfg)
			if err != nil {
				log.Error("reload failed, keeping previous configuration", "error", err)
				continue
			}
			newCfg.Finalize()
			if err := newCfg.Validate(); err != nil {
				log.Error("reload failed, keeping previous configuration", "error", err)
				continue
			}
			daemon.Stop()
			daemon, err = NewDaemon(newCfg, log)
			if err != nil {
				log.Error("reload failed to rebuild daemon", "error", err)
				return ExitCodeDaemonError
			}
			daemon.Start()
		default:
			log.Info("shutting down")
			daemon.Stop()
			return ExitCodeOK
		}
	}

	return ExitCodeOK
}

// ParseFlags parses args, returning the CLI-supplied config overlay, the
// list of -config paths, whether -version was requested, and whether
// -debug was requested.
func (cli *CLI) ParseFlags(args []string) (*Config, []string, bool, bool, error) {
	var isVersion, debug bool
	c := DefaultConfig()
	c.setKeys = map[string]struct{}{}
	configPaths := make([]string, 0, 4)

	flags := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}

	flags.Var(funcVar(func(s string) error {
		configPaths = append(configPaths, s)
		return nil
	}), "config", "")

	flags.Var(funcVar(func(s string) error {
		c.ServiceName = s
		c.set("service_name")
		return nil
	}), "service-name", "")

	flags.Var(funcVar(func(s string) error {
		c.ServiceCmd = s
		c.set("service_cmd")
		return nil
	}), "service-cmd", "")

	flags.Var(funcDurationVar(func(d time.Duration) error {
		c.ServiceFrequency = d
		c.set("service_frequency")
		return nil
	}), "service-frequency", "")

	flags.Var((*extraServiceVar)(&c.ExtraService), "extra-service", "")

	flags.Var(funcVar(func(s string) error {
		c.HealCmd = s
		c.set("heal_cmd")
		return nil
	}), "heal-cmd", "")

	flags.Var(funcDurationVar(func(d time.Duration) error {
		c.HealFrequency = d
		c.set("heal_frequency")
		return nil
	}), "heal-frequency", "")

	flags.Var(funcBoolVar(func(b bool) error {
		c.HealDryrun = b
		c.set("heal_dryrun")
		return nil
	}), "heal-dryrun", "")

	flags.Var(funcVar(func(s string) error {
		c.HealOnStatus = s
		c.set("heal_on_status")
		return nil
	}), "heal-on-status", "")

	flags.Var(funcVar(func(s string) error {
		c.ThresholdDown = s
		c.set("threshold_down")
		return nil
	}), "threshold-down", "")

	flags.Var(funcBoolVar(func(b bool) error {
		c.AllowFullOutage = b
		c.set("allow_full_outage")
		return nil
	}), "allow-full-outage", "")

	flags.Var(funcIntVar(func(i int) error {
		c.Port = i
		c.set("port")
		return nil
	}), "port", "")

	flags.Var(funcVar(func(s string) error {
		c.Hostname = s
		c.set("hostname")
		return nil
	}), "hostname", "")

	flags.Var(funcVar(func(s string) error {
		c.Colo = s
		c.set("colo")
		return nil
	}), "colo", "")

	flags.Var(funcVar(func(s string) error {
		c.Consul = s
		c.set("consul_endpoint")
		return nil
	}), "consul-addr", "")

	flags.Var(funcVar(func(s string) error {
		c.Token = s
		c.set("consul_token")
		return nil
	}), "consul-token", "")

	flags.Var(funcBoolVar(func(b bool) error {
		if c.SSL == nil {
			c.SSL = &SSLConfig{}
		}
		c.SSL.Verify = b
		c.set("consul_tls")
		c.set("consul_tls.verify")
		return nil
	}), "consul-ssl-verify", "")

	flags.Var(funcVar(func(s string) error {
		if c.SSL == nil {
			c.SSL = &SSLConfig{}
		}
		c.SSL.CaCert = s
		c.set("consul_tls")
		c.set("consul_tls.ca_cert")
		return nil
	}), "consul-ssl-ca-cert", "")

	flags.Var(funcVar(func(s string) error {
		c.TrackDirectory = s
		c.set("track_directory")
		return nil
	}), "track-directory", "")

	flags.Var(funcVar(func(s string) error {
		c.ReportFile = s
		c.set("report_file")
		return nil
	}), "report-file", "")

	flags.Var(funcVar(func(s string) error {
		c.PidFile = s
		c.set("pid_file")
		return nil
	}), "pid-file", "")

	flags.Var(funcVar(func(s string) error {
		c.LogLevel = s
		c.set("log_level")
		return nil
	}), "log-level", "")

	flags.Var(funcBoolVar(func(b bool) error {
		if c.Syslog == nil {
			c.Syslog = &SyslogConfig{}
		}
		c.Syslog.Enabled = b
		c.set("syslog")
		c.set("syslog.enabled")
		return nil
	}), "syslog", "")

	flags.Var(funcVar(func(s string) error {
		if c.Syslog == nil {
			c.Syslog = &SyslogConfig{}
		}
		c.Syslog.Facility = s
		c.set("syslog")
		c.set("syslog.facility")
		return nil
	}), "syslog-facility", "")

	flags.BoolVar(&isVersion, "v", false, "")
	flags.BoolVar(&isVersion, "version", false, "")
	flags.BoolVar(&debug, "debug", false, "")

	if err := flags.Parse(args); err != nil {
		return nil, nil, false, false, err
	}
	if extra := flags.Args(); len(extra) > 0 {
		return nil, nil, false, false, fmt.Errorf("cli: extra argument(s): %q", extra)
	}

	return c, configPaths, isVersion, debug, nil
}

// loadConfigs loads every -config path in order and merges the CLI overlay
// in last, giving command-line flags the top precedence, same as
// consul-replicate's own loadConfigs.
func loadConfigs(paths []string, overlay *Config) (*Config, error) {
	finalC := DefaultConfig()
	for _, path := range paths {
		c, err := ParseConfig(path)
		if err != nil {
			return nil, err
		}
		finalC.Merge(c)
	}
	finalC.Merge(overlay)
	return finalC, nil
}

func (cli *CLI) logConfigError(err error) int {
	fmt.Fprintf(cli.errStream, "apollo: %s\n", err)
	return ExitCodeConfigError
}

func syslogFacility(cfg *Config) string {
	if cfg.Syslog == nil {
		return ""
	}
	return cfg.Syslog.Facility
}

const usage = `Usage: %s [options]

  Runs Apollo, the per-host health-check and self-healing daemon that
  cooperates with Consul to publish and act on this host's service status.

Options:

  -config=<path>
      Sets the path to a YAML configuration file. May be given multiple
      times; later files are merged over earlier ones, and CLI flags take
      the top-most precedence.

  -service-name=<name>
  -service-cmd=<cmd>
  -service-frequency=<duration>
      The main service's check command and how often to run it.

  -extra-service=<name:healthcheck:frequency:retries>
      Registers a sub-service check. May be given multiple times.

  -heal-cmd=<cmd>
  -heal-frequency=<duration>
  -heal-dryrun
  -heal-on-status=<any|passing|warning|critical>
      The heal command, how often its loop fires, whether to skip
      invocation, and which main-service status triggers it.

  -threshold-down=<N|N%>
  -allow-full-outage
      Cluster-safety gating for the main service going non-OK.

  -port=<port>
  -hostname=<host>
  -colo=<dc>
      This host's registration identity.

  -consul-addr=<address>
  -consul-token=<token>
  -consul-ssl-verify
  -consul-ssl-ca-cert=<path>
      Consul connectivity.

  -track-directory=<path>
  -report-file=<path>
  -pid-file=<path>
      Apollo's on-disk state.

  -log-level=<level>
  -debug
  -syslog
  -syslog-facility=<facility>
      Logging. -debug forces debug level regardless of -log-level or a
      configured log_level.

  -v, -version
      Print the version of this daemon.
`
