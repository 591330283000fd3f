package logging

import (
	"testing"

	"github.com/hashicorp/go-gatedio"
)

func TestSetupDefaultsToInfo(t *testing.T) {
	buf := gatedio.NewByteBuffer()
	log, err := Setup(Config{Name: "apollo", Writer: buf})
	if err != nil {
		t.Fatal(err)
	}
	if log.IsInfo() == false {
		t.Fatal("expected default level to be at least Info")
	}
	if log.IsTrace() {
		t.Fatal("expected default level to not include Trace")
	}
}

func TestSetupDebugOverridesLevel(t *testing.T) {
	buf := gatedio.NewByteBuffer()
	log, err := Setup(Config{Name: "apollo", Level: "WARN", Debug: true, Writer: buf})
	if err != nil {
		t.Fatal(err)
	}
	if !log.IsDebug() {
		t.Fatal("expected -debug to force debug level regardless of configured log level")
	}
}

func TestSetupUnknownLevelDefaultsToInfo(t *testing.T) {
	buf := gatedio.NewByteBuffer()
	log, err := Setup(Config{Name: "apollo", Level: "NOT-A-LEVEL", Writer: buf})
	if err != nil {
		t.Fatal(err)
	}
	if !log.IsInfo() {
		t.Fatal("expected an unrecognized level string to fall back to Info")
	}
	if log.IsDebug() {
		t.Fatal("unrecognized level should not silently enable Debug")
	}
}
