package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fuchsia.googlesource.com/ofswitch/internal/bridge"
	"fuchsia.googlesource.com/ofswitch/internal/metrics"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
controllers:
  - address: "127.0.0.1:6633"
bridges:
  - name: br0
    datapath_id: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpdaterPeriod != time.Second {
		t.Fatalf("UpdaterPeriod = %v, want 1s default", cfg.UpdaterPeriod)
	}
	if len(cfg.Bridges) != 1 {
		t.Fatalf("expected 1 bridge, got %d", len(cfg.Bridges))
	}
	b := cfg.Bridges[0]
	if b.NumWorkers != 2 || b.MaxMACEntries != 8192 || b.AgeingTime != 300*time.Second {
		t.Fatalf("defaults not applied: %+v", b)
	}
	if b.Pipeline.BatchSize != 2048 || b.Pipeline.QueueLength != 64 {
		t.Fatalf("pipeline defaults not applied: %+v", b.Pipeline)
	}
}

func TestLoadRejectsMissingBridges(t *testing.T) {
	path := writeTempConfig(t, `
controllers:
  - address: "127.0.0.1:6633"
bridges: []
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for empty bridges list")
	}
}

func TestLoadRejectsMissingControllers(t *testing.T) {
	path := writeTempConfig(t, `
bridges:
  - name: br0
    datapath_id: 1
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing controllers list")
	}
}

func TestLoadRejectsBadHWAddr(t *testing.T) {
	path := writeTempConfig(t, `
controllers:
  - address: "127.0.0.1:6633"
bridges:
  - name: br0
    datapath_id: 1
    ports:
      - number: 1
        name: eth0
        hwaddr: "not-a-mac"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for malformed hwaddr")
	}
}

func TestParseHWAddr(t *testing.T) {
	got, err := ParseHWAddr("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ParseHWAddr: %v", err)
	}
	want := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if got != want {
		t.Fatalf("ParseHWAddr = %x, want %x", got, want)
	}

	if _, err := ParseHWAddr("garbage"); err == nil {
		t.Fatalf("expected error parsing malformed hwaddr")
	}
}

func TestBridgeTableConfigConversion(t *testing.T) {
	b := BridgeConfig{
		NumWorkers:    4,
		MaxMACEntries: 1024,
		AgeingTime:    10 * time.Second,
		Pipeline:      PipelineConfig{BatchSize: 512, QueueLength: 16},
	}
	stats := &metrics.ForwardingStats{}
	got := b.BridgeTableConfig(stats)
	if got.NumWorkers != 4 || got.MaxMACEntries != 1024 || got.AgeingTime != 10*time.Second {
		t.Fatalf("BridgeTableConfig mismatch: %+v", got)
	}
	if got.Pipeline.BatchSize != 512 || got.Pipeline.QueueLength != 16 {
		t.Fatalf("BridgeTableConfig.Pipeline mismatch: %+v", got.Pipeline)
	}
	if got.Stats != stats {
		t.Fatalf("BridgeTableConfig.Stats = %p, want %p", got.Stats, stats)
	}
	if got.FailMode != bridge.Secure {
		t.Fatalf("BridgeTableConfig.FailMode = %v, want Secure by default", got.FailMode)
	}

	standalone := BridgeConfig{FailMode: "standalone"}
	if got := standalone.BridgeTableConfig(nil).FailMode; got != bridge.Standalone {
		t.Fatalf("BridgeTableConfig.FailMode = %v, want Standalone", got)
	}
}
