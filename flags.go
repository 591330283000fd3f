package main

import (
	"strconv"
	"strings"
	"time"
)

// funcVar and its siblings are flag.Value adapters that call a function on
// Set, the same shape consul-replicate's own flags.go uses to route each CLI
// flag straight into a typed Config field instead of an intermediate
// string/bool/duration variable.
type funcVar func(string) error

func (f funcVar) Set(s string) error { return f(s) }
func (f funcVar) String() string     { return "" }
func (f funcVar) IsBoolFlag() bool   { return false }

type funcBoolVar func(bool) error

func (f funcBoolVar) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	return f(v)
}
func (f funcBoolVar) String() string   { return "" }
func (f funcBoolVar) IsBoolFlag() bool { return true }

type funcDurationVar func(time.Duration) error

func (f funcDurationVar) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	return f(v)
}
func (f funcDurationVar) String() string { return "" }

type funcIntVar func(int) error

func (f funcIntVar) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	return f(v)
}
func (f funcIntVar) String() string { return "" }

// extraServiceVar implements flag.Value and allows -extra-service to be
// given multiple times on the CLI, each parsed into an ExtraServiceConfig
// the way consul-replicate's prefixVar parses repeated -prefix flags.
type extraServiceVar map[string]*ExtraServiceConfig

func (e *extraServiceVar) Set(value string) error {
	name, cfg, err := ParseExtraServiceConfig(value)
	if err != nil {
		return err
	}
	if *e == nil {
		*e = make(map[string]*ExtraServiceConfig)
	}
	(*e)[name] = cfg
	return nil
}

func (e *extraServiceVar) String() string {
	if e == nil {
		return ""
	}
	names := make([]string, 0, len(*e))
	for name := range *e {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
