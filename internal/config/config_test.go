package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Dispute.PerFailedCriterion != 25 || cfg.Dispute.FixedPenalty != 5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if ttl, _ := cfg.TokenTTL(); ttl != 15*time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  driver: postgres
  dsn: postgres://localhost/trustvault
dispute:
  release_above: 90
arbiters: [ops]
notifications:
  kafka:
    brokers: [localhost:9092]
    topic: trustvault.events
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Dispute.ReleaseAbove != 90 || cfg.Dispute.PartialAbove != 40 {
		t.Fatalf("merge failed: %+v", cfg.Dispute)
	}
	if len(cfg.Arbiters) != 1 || cfg.Notifications.Kafka.Topic != "trustvault.events" {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":     "store:\n  driver: mongo\n",
		"dsn":        "store:\n  driver: redis\n",
		"thresholds": "dispute:\n  release_above: 30\n",
		"ttl":        "authorization:\n  token_ttl: soon\n",
		"webhook":    "notifications:\n  webhooks:\n    - name: x\n",
		"kafka":      "notifications:\n  kafka:\n    brokers: [a:9092]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg.Store.Driver != "sqlite" {
		t.Fatalf("missing file should yield default: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("store: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrDefault(dir); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
