package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/wabridge/internal/config"
)

func TestEnsureConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.json5")

	created, err := EnsureConfigFile(path)
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if cfg.Gateway.Port != 3000 || len(cfg.Triggers.BotNames) != 1 {
		t.Errorf("unexpected template values: %+v", cfg.Gateway)
	}

	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	created, err = EnsureConfigFile(path)
	if err != nil || created {
		t.Fatalf("second call: created=%v err=%v", created, err)
	}
	if data, _ := os.ReadFile(path); string(data) != "{}" {
		t.Errorf("existing config overwritten: %q", data)
	}
}
