package logger

import (
	"testing"
)

func TestSetupLevels(t *testing.T) {
	levels := []string{"DEBUG", "INFO", "WARN", "ERROR", "bogus"}
	for _, lvl := range levels {
		Setup(lvl, "json")
		if Log == nil {
			t.Fatalf("Setup(%q) left Log nil", lvl)
		}
	}
	// Console format path
	Setup("INFO", "console")
	if Log == nil {
		t.Fatal("Setup console left Log nil")
	}
}

func TestComponentLogger(t *testing.T) {
	Setup("INFO", "json")
	c := Log.Component("arena")
	if c == nil {
		t.Fatal("Component returned nil")
	}
	// Must not panic with odd or non-string keys
	c.Info("slot recycled", "slot", 3)
	c.Debug("probe", 42, "value")
	c.Warn("odd args", "only-key")
	c.Error("failure", "err", "boom")
}
