package fieldsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data/fieldsync.db")

	if cfg.Local.Path != "/data/fieldsync.db" {
		t.Errorf("path = %q", cfg.Local.Path)
	}
	if cfg.Queue.BatchSize != 50 {
		t.Errorf("queue batch size = %d", cfg.Queue.BatchSize)
	}
	if !cfg.Echo.Enabled {
		t.Error("echo heuristics should default on")
	}
	if cfg.Echo.AgeThreshold != 100*time.Millisecond {
		t.Errorf("echo age threshold = %v", cfg.Echo.AgeThreshold)
	}
	if cfg.Protection.RestoreWindow != 61*time.Second {
		t.Errorf("restore window = %v", cfg.Protection.RestoreWindow)
	}
	if cfg.Backup.MaxSnapshots != 10 {
		t.Errorf("max snapshots = %d", cfg.Backup.MaxSnapshots)
	}
	if cfg.Integrity.SyncGracePeriod != 2*time.Minute {
		t.Errorf("sync grace = %v", cfg.Integrity.SyncGracePeriod)
	}
	if cfg.Remote.OperationsURL != "" || cfg.Remote.S3 != nil {
		t.Error("remote surfaces should default off")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
path: /data/agent.db
user_id: agent-7
queue:
  batch_size: 25
  flush_interval: 2s
  retry:
    max_attempts: 7
    initial_backoff: 250ms
echo:
  enabled: false
  age_threshold: 150ms
  min_confidence: 0.9
tracker:
  recency_window: 3s
  ttl: 45s
protection:
  restore_window: 90s
backup:
  max_snapshots: 5
  compression: false
  interval: 5m
  encryption:
    enabled: true
    password: secret
integrity:
  completion_drop_threshold: 8
  sync_grace_period: 3m
remote:
  operations_url: https://sync.example.com
  realtime_url: wss://sync.example.com/v1/stream
  auth_token: token-123
  timeout: 15s
  s3:
    bucket: fieldsync-backups
    region: eu-west-2
    prefix: snapshots
`)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Local.Path != "/data/agent.db" || cfg.UserID != "agent-7" {
		t.Errorf("identity not loaded: %q %q", cfg.Local.Path, cfg.UserID)
	}
	if cfg.Queue.BatchSize != 25 || cfg.Queue.FlushInterval != 2*time.Second {
		t.Errorf("queue overrides lost: %+v", cfg.Queue)
	}
	if cfg.Queue.Retry.MaxAttempts != 7 || cfg.Queue.Retry.InitialBackoff != 250*time.Millisecond {
		t.Errorf("retry overrides lost: %+v", cfg.Queue.Retry)
	}
	if cfg.Echo.Enabled {
		t.Error("echo.enabled=false not honored")
	}
	if cfg.Echo.AgeThreshold != 150*time.Millisecond || cfg.Echo.MinConfidence != 0.9 {
		t.Errorf("echo overrides lost: %+v", cfg.Echo)
	}
	if cfg.Tracker.RecencyWindow != 3*time.Second || cfg.Tracker.TTL != 45*time.Second {
		t.Errorf("tracker overrides lost: %+v", cfg.Tracker)
	}
	if cfg.Protection.RestoreWindow != 90*time.Second {
		t.Errorf("restore window = %v", cfg.Protection.RestoreWindow)
	}
	// Unset protection windows keep defaults.
	if cfg.Protection.ImportWindow != 45*time.Second {
		t.Errorf("import window = %v", cfg.Protection.ImportWindow)
	}
	if cfg.Backup.MaxSnapshots != 5 || cfg.Backup.Compression || cfg.Backup.Interval != 5*time.Minute {
		t.Errorf("backup overrides lost: %+v", cfg.Backup)
	}
	if !cfg.Backup.Encryption.Enabled || cfg.Backup.Encryption.KeyPassword != "secret" {
		t.Errorf("encryption overrides lost: %+v", cfg.Backup.Encryption)
	}
	if cfg.Integrity.CompletionDropThreshold != 8 || cfg.Integrity.SyncGracePeriod != 3*time.Minute {
		t.Errorf("integrity overrides lost: %+v", cfg.Integrity)
	}
	if cfg.Remote.OperationsURL != "https://sync.example.com" || cfg.Remote.Timeout != 15*time.Second {
		t.Errorf("remote overrides lost: %+v", cfg.Remote)
	}
	if cfg.Remote.S3 == nil || cfg.Remote.S3.Bucket != "fieldsync-backups" {
		t.Fatalf("s3 overrides lost: %+v", cfg.Remote.S3)
	}
	if cfg.Remote.S3.UserID != "agent-7" {
		t.Errorf("s3 user not threaded through: %q", cfg.Remote.S3.UserID)
	}
}

func TestLoadConfigFileKeepsDefaults(t *testing.T) {
	path := writeConfigFile(t, "path: /data/agent.db\n")

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig("/data/agent.db")
	if cfg.Queue.BatchSize != def.Queue.BatchSize {
		t.Errorf("queue batch size changed: %d", cfg.Queue.BatchSize)
	}
	if cfg.Echo.MinConfidence != def.Echo.MinConfidence {
		t.Errorf("echo confidence changed: %v", cfg.Echo.MinConfidence)
	}
	if cfg.Backup.MaxSnapshots != def.Backup.MaxSnapshots {
		t.Errorf("backup retention changed: %d", cfg.Backup.MaxSnapshots)
	}
	if !cfg.Backup.Compression {
		t.Error("compression default lost")
	}
}

func TestLoadConfigFileBadDuration(t *testing.T) {
	path := writeConfigFile(t, "tracker:\n  ttl: fast\n")

	_, err := LoadConfigFile(path)
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
	if !strings.Contains(err.Error(), "tracker.ttl") {
		t.Errorf("error does not name the field: %v", err)
	}
}

func TestLoadConfigFileBadYAML(t *testing.T) {
	path := writeConfigFile(t, "queue: [not a map\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
