package main

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// Config is Apollo's configuration, the role consul-replicate's own Config
// plays, decoded from YAML through mapstructure instead of HCL — the rest
// of the shape (Path/setKeys bookkeeping, Copy/Merge/WasSet, ParseConfig
// building on DefaultConfig) is unchanged.
type Config struct {
	// Path is the config file this Config was parsed from, not read back out
	// of the file itself.
	Path string `mapstructure:"-"`

	ServiceName      string                         `mapstructure:"service_name"`
	ServiceCmd       string                         `mapstructure:"service_cmd"`
	ServiceFrequency time.Duration                  `mapstructure:"service_frequency"`
	ExtraService     map[string]*ExtraServiceConfig `mapstructure:"extra_service"`

	HealCmd       string        `mapstructure:"heal_cmd"`
	HealFrequency time.Duration `mapstructure:"heal_frequency"`
	HealDryrun    bool          `mapstructure:"heal_dryrun"`
	HealOnStatus  string        `mapstructure:"heal_on_status"`

	KeepCriticalSecs int64  `mapstructure:"keep_critical_secs"`
	KeepWarningSecs  int64  `mapstructure:"keep_warning_secs"`
	ThresholdDown    string `mapstructure:"threshold_down"`
	AllowFullOutage  bool   `mapstructure:"allow_full_outage"`

	Port     int      `mapstructure:"port"`
	Hostname string   `mapstructure:"hostname"`
	Colo     string   `mapstructure:"colo"`
	TagsList []string `mapstructure:"tags_list"`

	Consul string     `mapstructure:"consul_endpoint"`
	Token  string      `mapstructure:"consul_token"`
	SSL    *SSLConfig `mapstructure:"consul_tls"`

	Penalty        int    `mapstructure:"penalty"`
	TrackDirectory string `mapstructure:"track_directory"`
	ReportFile     string `mapstructure:"report_file"`
	PidFile        string `mapstructure:"pid_file"`

	LogLevel string        `mapstructure:"log_level"`
	Syslog   *SyslogConfig `mapstructure:"syslog"`

	// setKeys is the list of config keys that were set by the user, the
	// same bookkeeping consul-replicate's Config.WasSet relies on.
	setKeys map[string]struct{}
}

// SSLConfig is Apollo's Consul TLS connectivity configuration, carried over
// field-for-field from consul-replicate's own SSLConfig.
type SSLConfig struct {
	Verify     bool   `mapstructure:"verify"`
	Cert       string `mapstructure:"cert"`
	Key        string `mapstructure:"key"`
	CaCert     string `mapstructure:"ca_cert"`
	CaPath     string `mapstructure:"ca_path"`
	ServerName string `mapstructure:"server_name"`
}

// SyslogConfig is unchanged from consul-replicate's own SyslogConfig.
type SyslogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Facility string `mapstructure:"facility"`
}

// ExtraServiceConfig is one entry of the extra_service map: a sub-service
// registered under its own Consul check id.
type ExtraServiceConfig struct {
	Healthcheck string `mapstructure:"healthcheck"`
	Frequency   int    `mapstructure:"frequency"`
	Retries     int    `mapstructure:"retries"`
}

// Copy returns a deep copy of c, mirroring consul-replicate's Config.Copy.
func (c *Config) Copy() *Config {
	o := new(Config)
	o.Path = c.Path
	o.ServiceName = c.ServiceName
	o.ServiceCmd = c.ServiceCmd
	o.ServiceFrequency = c.ServiceFrequency

	if c.ExtraService != nil {
		o.ExtraService = make(map[string]*ExtraServiceConfig, len(c.ExtraService))
		for name, svc := range c.ExtraService {
			cp := *svc
			o.ExtraService[name] = &cp
		}
	}

	o.HealCmd = c.HealCmd
	o.HealFrequency = c.HealFrequency
	o.HealDryrun = c.HealDryrun
	o.HealOnStatus = c.HealOnStatus

	o.KeepCriticalSecs = c.KeepCriticalSecs
	o.KeepWarningSecs = c.KeepWarningSecs
	o.ThresholdDown = c.ThresholdDown
	o.AllowFullOutage = c.AllowFullOutage

	o.Port = c.Port
	o.Hostname = c.Hostname
	o.Colo = c.Colo
	o.TagsList = append([]string(nil), c.TagsList...)

	o.Consul = c.Consul
	o.Token = c.Token
	if c.SSL != nil {
		cp := *c.SSL
		o.SSL = &cp
	}

	o.Penalty = c.Penalty
	o.TrackDirectory = c.TrackDirectory
	o.ReportFile = c.ReportFile
	o.PidFile = c.PidFile

	o.LogLevel = c.LogLevel
	if c.Syslog != nil {
		cp := *c.Syslog
		o.Syslog = &cp
	}

	o.setKeys = c.setKeys
	return o
}

// Merge merges the values of o into c, taking o's values wherever o's key
// was explicitly set, exactly the way consul-replicate's Config.Merge does.
func (c *Config) Merge(o *Config) {
	if o.WasSet("path") {
		c.Path = o.Path
	}
	if o.WasSet("service_name") {
		c.ServiceName = o.ServiceName
	}
	if o.WasSet("service_cmd") {
		c.ServiceCmd = o.ServiceCmd
	}
	if o.WasSet("service_frequency") {
		c.ServiceFrequency = o.ServiceFrequency
	}
	if o.ExtraService != nil {
		if c.ExtraService == nil {
			c.ExtraService = map[string]*ExtraServiceConfig{}
		}
		for name, svc := range o.ExtraService {
			c.ExtraService[name] = svc
		}
	}
	if o.WasSet("heal_cmd") {
		c.HealCmd = o.HealCmd
	}
	if o.WasSet("heal_frequency") {
		c.HealFrequency = o.HealFrequency
	}
	if o.WasSet("heal_dryrun") {
		c.HealDryrun = o.HealDryrun
	}
	if o.WasSet("heal_on_status") {
		c.HealOnStatus = o.HealOnStatus
	}
	if o.WasSet("keep_critical_secs") {
		c.KeepCriticalSecs = o.KeepCriticalSecs
	}
	if o.WasSet("keep_warning_secs") {
		c.KeepWarningSecs = o.KeepWarningSecs
	}
	if o.WasSet("threshold_down") {
		c.ThresholdDown = o.ThresholdDown
	}
	if o.WasSet("allow_full_outage") {
		c.AllowFullOutage = o.AllowFullOutage
	}
	if o.WasSet("port") {
		c.Port = o.Port
	}
	if o.WasSet("hostname") {
		c.Hostname = o.Hostname
	}
	if o.WasSet("colo") {
		c.Colo = o.Colo
	}
	if o.TagsList != nil {
		c.TagsList = o.TagsList
	}
	if o.WasSet("consul_endpoint") {
		c.Consul = o.Consul
	}
	if o.WasSet("consul_token") {
		c.Token = o.Token
	}
	if o.WasSet("consul_tls") {
		if c.SSL == nil {
			c.SSL = &SSLConfig{}
		}
		if o.WasSet("consul_tls.verify") {
			c.SSL.Verify = o.SSL.Verify
		}
		if o.WasSet("consul_tls.cert") {
			c.SSL.Cert = o.SSL.Cert
		}
		if o.WasSet("consul_tls.key") {
			c.SSL.Key = o.SSL.Key
		}
		if o.WasSet("consul_tls.ca_cert") {
			c.SSL.CaCert = o.SSL.CaCert
		}
		if o.WasSet("consul_tls.ca_path") {
			c.SSL.CaPath = o.SSL.CaPath
		}
		if o.WasSet("consul_tls.server_name") {
			c.SSL.ServerName = o.SSL.ServerName
		}
	}
	if o.WasSet("penalty") {
		c.Penalty = o.Penalty
	}
	if o.WasSet("track_directory") {
		c.TrackDirectory = o.TrackDirectory
	}
	if o.WasSet("report_file") {
		c.ReportFile = o.ReportFile
	}
	if o.WasSet("pid_file") {
		c.PidFile = o.PidFile
	}
	if o.WasSet("log_level") {
		c.LogLevel = o.LogLevel
	}
	if o.WasSet("syslog") {
		if c.Syslog == nil {
			c.Syslog = &SyslogConfig{}
		}
		if o.WasSet("syslog.enabled") {
			c.Syslog.Enabled = o.Syslog.Enabled
		}
		if o.WasSet("syslog.facility") {
			c.Syslog.Facility = o.Syslog.Facility
		}
	}

	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	for k := range o.setKeys {
		c.setKeys[k] = struct{}{}
	}
}

// WasSet reports whether key was explicitly set in this config, as opposed
// to holding a zero value.
func (c *Config) WasSet(key string) bool {
	_, ok := c.setKeys[key]
	return ok
}

// Finalize fills in any field Consul needs that still holds its zero value
// with a sane default, mirroring the finalize step consul-replicate's CLI
// runs on the merged config before building a Runner.
func (c *Config) Finalize() {
	if c.ServiceFrequency == 0 {
		c.ServiceFrequency = 30 * time.Second
	}
	if c.HealFrequency == 0 {
		c.HealFrequency = 60 * time.Second
	}
	if c.HealOnStatus == "" {
		c.HealOnStatus = "any"
	}
	if c.Penalty == 0 {
		c.Penalty = 90
	}
	if c.TrackDirectory == "" {
		c.TrackDirectory = "/var/apollo/track"
	}
	if c.ReportFile == "" {
		c.ReportFile = "/var/apollo/run/apollo.report"
	}
	if c.PidFile == "" {
		c.PidFile = "/var/apollo/run/apollo.pid"
	}
	if c.LogLevel == "" {
		c.LogLevel = "WARN"
	}
	if c.SSL == nil {
		c.SSL = &SSLConfig{Verify: true}
	}
	if c.Syslog == nil {
		c.Syslog = &SyslogConfig{Facility: "LOCAL0"}
	}
}

// Validate checks the fields a running daemon cannot do without,
// aggregating every problem with go-multierror so a misconfigured operator
// sees the whole list at once instead of one field at a time.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.ServiceName == "" {
		errs = multierror.Append(errs, fmt.Errorf("service_name is required"))
	}
	if c.Hostname == "" {
		errs = multierror.Append(errs, fmt.Errorf("hostname is required"))
	}
	if c.Colo == "" {
		errs = multierror.Append(errs, fmt.Errorf("colo is required"))
	}
	if c.Consul == "" {
		errs = multierror.Append(errs, fmt.Errorf("consul_endpoint is required"))
	}
	switch c.HealOnStatus {
	case "", "any", "passing", "warning", "critical":
	default:
		errs = multierror.Append(errs, fmt.Errorf("heal_on_status must be one of any|passing|warning|critical, got %q", c.HealOnStatus))
	}
	for name, svc := range c.ExtraService {
		if svc.Healthcheck == "" {
			errs = multierror.Append(errs, fmt.Errorf("extra_service[%s].healthcheck is required", name))
		}
		if svc.Frequency <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("extra_service[%s].frequency must be positive", name))
		}
		if svc.Retries < 1 {
			errs = multierror.Append(errs, fmt.Errorf("extra_service[%s].retries must be >= 1", name))
		}
	}

	return errs.ErrorOrNil()
}

// ParseConfig reads and decodes the YAML file at path, the mapstructure
// pipeline replacing consul-replicate's hcl.Decode step: ErrorUnused turns
// an unrecognized key into a load error instead of a silent no-op, and the
// Metadata pass populates setKeys for Merge/WasSet.
func ParseConfig(path string) (*Config, error) {
	var errs *multierror.Error

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config at %q: %s", path, err)
	}

	var shadow interface{}
	if err := yaml.UnmarshalStrict(contents, &shadow); err != nil {
		return nil, fmt.Errorf("error decoding config at %q: %s", path, err)
	}

	parsed, ok := stringifyMapKeys(shadow).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("error converting config at %q", path)
	}

	c := new(Config)
	metadata := new(mapstructure.Metadata)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			StringToExtraServiceConfigFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		ErrorUnused: true,
		Metadata:    metadata,
		Result:      c,
	})
	if err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}
	if err := decoder.Decode(parsed); err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}

	c.Path = path
	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	for _, key := range metadata.Keys {
		c.setKeys[key] = struct{}{}
	}
	c.setKeys["path"] = struct{}{}

	d := DefaultConfig()
	d.Merge(c)
	return d, errs.ErrorOrNil()
}

// DefaultConfig returns Apollo's baseline configuration, mirroring
// consul-replicate's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		ExtraService:     map[string]*ExtraServiceConfig{},
		ServiceFrequency: 30 * time.Second,
		HealFrequency:    60 * time.Second,
		HealOnStatus:     "any",
		Penalty:          90,
		TrackDirectory:   "/var/apollo/track",
		ReportFile:       "/var/apollo/run/apollo.report",
		PidFile:          "/var/apollo/run/apollo.pid",
		LogLevel:         "WARN",
		SSL:              &SSLConfig{Verify: true},
		Syslog:           &SyslogConfig{Facility: "LOCAL0"},
		setKeys:          make(map[string]struct{}),
	}
}

// StringToExtraServiceConfigFunc lets one extra_service entry be written as
// the shorthand string "healthcheck:frequency:retries" instead of a nested
// map, the same convenience consul-replicate's StringToPrefixConfigFunc
// gives -prefix entries.
func StringToExtraServiceConfigFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.String || (t != reflect.Struct && t != reflect.Ptr) {
			return data, nil
		}

		raw, ok := data.(string)
		if !ok {
			return data, nil
		}

		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("config: invalid extra_service shorthand %q, want healthcheck:frequency:retries", raw)
		}
		freq, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("config: invalid frequency in %q: %w", raw, err)
		}
		retries, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("config: invalid retries in %q: %w", raw, err)
		}

		return &ExtraServiceConfig{Healthcheck: parts[0], Frequency: freq, Retries: retries}, nil
	}
}

// ParseExtraServiceConfig parses the CLI/shorthand form
// "name:healthcheck:frequency:retries" into a (name, *ExtraServiceConfig)
// pair.
func ParseExtraServiceConfig(s string) (string, *ExtraServiceConfig, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return "", nil, fmt.Errorf("config: invalid -extra-service %q, want name:healthcheck:frequency:retries", s)
	}

	freq, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("config: invalid frequency in %q: %w", s, err)
	}
	retries, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", nil, fmt.Errorf("config: invalid retries in %q: %w", s, err)
	}
	if parts[0] == "" {
		return "", nil, fmt.Errorf("config: invalid -extra-service %q, name cannot be empty", s)
	}

	return parts[0], &ExtraServiceConfig{
		Healthcheck: parts[1],
		Frequency:   freq,
		Retries:     retries,
	}, nil
}

// stringifyMapKeys converts a value decoded by gopkg.in/yaml.v2 (which uses
// map[interface{}]interface{} for mappings) into the map[string]interface{}
// shape mapstructure.Decode expects, recursively.
func stringifyMapKeys(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			out[fmt.Sprintf("%v", k)] = stringifyMapKeys(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			out[k] = stringifyMapKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, val := range typed {
			out[i] = stringifyMapKeys(val)
		}
		return out
	default:
		return v
	}
}
