package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("/srv/yard")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Root != "/srv/yard" || cfg.Coordinator != "coordinator" {
		t.Fatalf("unexpected defaults: root=%q coordinator=%q", cfg.Root, cfg.Coordinator)
	}
	if cfg.Locks.StaleAfter != 5*time.Minute || cfg.Tasks.ReclaimAfter != 0 {
		t.Fatalf("unexpected lock/task defaults: %+v %+v", cfg.Locks, cfg.Tasks)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("root: /tmp/x\nrouter:\n  max_attempts: 9\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Router.MaxAttempts != 9 {
		t.Fatalf("expected override, got %d", cfg.Router.MaxAttempts)
	}
	if cfg.Router.DefaultTTL != time.Hour {
		t.Fatalf("expected default ttl to survive, got %s", cfg.Router.DefaultTTL)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"coordinator": "root: /tmp/x\ncoordinator: a/b\n",
		"attempts":    "root: /tmp/x\nrouter:\n  max_attempts: 0\n",
		"backoff":     "root: /tmp/x\nrouter:\n  backoff_initial: 2s\n  backoff_max: 1s\n",
		"stale":       "root: /tmp/x\nlocks:\n  stale_after: 0s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("root: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestLoadResolvesRelativeRoot(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Root != filepath.Join(workspace, ".switchyard") {
		t.Fatalf("unexpected fallback root %q", cfg.Root)
	}
	if err := os.WriteFile(Path(workspace), []byte(GenerateDefault("store")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != filepath.Join(workspace, "store") {
		t.Fatalf("expected root relative to workspace, got %q", cfg.Root)
	}
}
