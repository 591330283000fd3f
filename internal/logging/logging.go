// Package logging wires hclog up the way the rest of the pack does
// (ns1-consul-ns1's hclog.Default().Named(...) convention), with an optional
// syslog backend built the way hashicorp/nomad's command/agent/syslog.go
// builds one: gsyslog for the writer, logutils for level filtering.
package logging

import (
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/hashicorp/logutils"
)

// Config mirrors consul-replicate's LogLevel/SyslogConfig fields.
type Config struct {
	Level          string
	Debug          bool
	SyslogEnabled  bool
	SyslogFacility string
	Name           string
	Writer         io.Writer
}

// Setup builds the root logger for the process.
func Setup(cfg Config) (hclog.Logger, error) {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	if cfg.Debug {
		level = hclog.Debug
	}

	out := cfg.Writer
	if cfg.SyslogEnabled {
		w, err := newSyslogWriter(cfg.Name, cfg.SyslogFacility, level)
		if err != nil {
			return nil, err
		}
		out = w
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   cfg.Name,
		Level:  level,
		Output: out,
	}), nil
}

// newSyslogWriter builds a level-filtered io.Writer backed by syslog,
// matching the SyslogWrapper{gsyslog.Syslogger, *logutils.LevelFilter}
// pairing hashicorp/nomad's agent package uses.
func newSyslogWriter(name, facility string, level hclog.Level) (io.Writer, error) {
	l, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, facility, name)
	if err != nil {
		return nil, err
	}
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(strings.ToUpper(level.String())),
		Writer:   syslogWriter{l},
	}
	return filter, nil
}

// syslogWriter adapts gsyslog.Syslogger to io.Writer.
type syslogWriter struct {
	l gsyslog.Syslogger
}

func (s syslogWriter) Write(p []byte) (int, error) {
	if err := s.l.WriteLevel(gsyslog.LOG_INFO, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
