package virtiofs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtiofs.yaml")
	data := `
tag: shared
slots_per_queue: 16
request_timeout: 250ms
retry_queue_full: true
max_minor: 8
uid: 1000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tag != "shared" || cfg.SlotsPerQueue != 16 || !cfg.RetryQueueFull || cfg.MaxMinor != 8 || cfg.UID != 1000 {
		t.Fatalf("config %+v", cfg)
	}
	if cfg.RequestTimeout.Duration() != 250*time.Millisecond {
		t.Fatalf("request_timeout %v", cfg.RequestTimeout.Duration())
	}

	full := cfg.withDefaults()
	def := DefaultConfig()
	if full.SlotSize != def.SlotSize || full.RetryRate != def.RetryRate || full.SlotsPerQueue != 16 {
		t.Fatalf("defaults %+v", full)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("request_timeout: soon\n"), 0o644)
	if _, err := LoadConfig(bad); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("bad duration = %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte("max_minor: 40\nslot_size: 10\n"), 0o644)
	_, err := LoadConfig(invalid)
	if err == nil {
		t.Fatalf("invalid config accepted")
	}
	for _, want := range []string{"max_minor 40", "slot_size 10"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(Config{RequestTimeout: Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "request_timeout: 1m30s") {
		t.Fatalf("yaml:\n%s", out)
	}
}

func TestParseDeviceConfig(t *testing.T) {
	raw := make([]byte, devConfigSize)
	copy(raw, "myfs")
	binary.LittleEndian.PutUint32(raw[36:], 3)
	binary.LittleEndian.PutUint32(raw[40:], 4096)

	cfg, err := ParseDeviceConfig(raw)
	if err != nil {
		t.Fatalf("ParseDeviceConfig: %v", err)
	}
	if cfg != (DeviceConfig{Tag: "myfs", NumRequestQueues: 3, NotifyBufSize: 4096}) {
		t.Fatalf("config %+v", cfg)
	}

	// A tag that fills all 36 bytes has no terminator.
	long := strings.Repeat("t", devConfigTagSize)
	copy(raw, long)
	if cfg, _ := ParseDeviceConfig(raw); cfg.Tag != long {
		t.Fatalf("tag %q", cfg.Tag)
	}

	if cfg, err := ParseDeviceConfig(raw[:40]); err != nil || cfg.NotifyBufSize != 0 {
		t.Fatalf("short config = %+v, %v", cfg, err)
	}
	if _, err := ParseDeviceConfig(raw[:39]); err == nil {
		t.Fatalf("truncated config accepted")
	}
	binary.LittleEndian.PutUint32(raw[36:], 0)
	if _, err := ParseDeviceConfig(raw); err == nil {
		t.Fatalf("zero request queues accepted")
	}
}

func TestNegotiateFeatures(t *testing.T) {
	const versionOne = uint64(1) << 32
	if got := NegotiateFeatures(FeatureNotification | versionOne | 1<<5); got != FeatureNotification {
		t.Fatalf("negotiated %#x", got)
	}
	if got := NegotiateFeatures(0); got != 0 {
		t.Fatalf("negotiated %#x", got)
	}
}
