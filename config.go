package fieldsync

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// UserID identifies the cloud account whose dataset this device works
	// on. Required when any remote surface is configured.
	UserID string

	// Local configures the local SQLite store.
	Local LocalStoreConfig

	// Queue configures the outbound operation queue.
	Queue QueueConfig

	// Echo configures the inbound echo filter.
	Echo EchoFilterConfig

	// Tracker configures the local change tracker.
	Tracker TrackerConfig

	// Protection configures critical-operation suppression windows.
	Protection ProtectionConfig

	// Backup configures local snapshots and cloud upload.
	Backup BackupConfig

	// Integrity configures the data-loss monitor.
	Integrity IntegrityConfig

	// Remote configures the HTTP, websocket, and S3 endpoints. Ignored for
	// any surface whose implementation is injected below.
	Remote RemoteConfig

	// Operations overrides the operation store. Tests and single-process
	// setups use MemoryRemote; nil with no Remote.OperationsURL means the
	// device runs fully offline.
	Operations OperationStore

	// Realtime overrides the realtime channel. Nil with no
	// Remote.RealtimeURL disables streaming; the pull cursor still syncs.
	Realtime RealtimeChannel

	// Snapshots overrides the cloud snapshot store. Nil with no Remote.S3
	// disables end-of-day cloud upload.
	Snapshots SnapshotStore

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time for tests. Defaults to the system clock.
	Clock Clock

	// MetricsRegistry receives engine metrics. Nil disables metrics.
	MetricsRegistry prometheus.Registerer
}

// RemoteConfig groups the cloud endpoints.
type RemoteConfig struct {
	// OperationsURL is the HTTP base URL of the sync backend,
	// e.g. "https://sync.example.com".
	OperationsURL string

	// RealtimeURL is the websocket stream endpoint,
	// e.g. "wss://sync.example.com/v1/stream".
	RealtimeURL string

	// AuthToken is sent as a bearer token on both surfaces.
	AuthToken string

	// Timeout bounds each HTTP request. Default: 30s
	Timeout time.Duration

	// S3 configures the cloud snapshot bucket. Nil disables cloud backup.
	S3 *S3SnapshotConfig
}

// DefaultConfig returns an engine configuration with sensible defaults.
// path is the local SQLite database file.
func DefaultConfig(path string) Config {
	local := DefaultLocalStoreConfig()
	local.Path = path
	return Config{
		Local:      local,
		Queue:      DefaultQueueConfig(),
		Echo:       DefaultEchoFilterConfig(),
		Tracker:    DefaultTrackerConfig(),
		Protection: DefaultProtectionConfig(),
		Backup:     DefaultBackupConfig(),
		Integrity:  DefaultIntegrityConfig(),
	}
}

// fileConfig is the YAML file format. Duration fields are strings like
// "45s" or "2m" and parse with time.ParseDuration.
type fileConfig struct {
	Path       string         `yaml:"path"`
	UserID     string         `yaml:"user_id"`
	Queue      fileQueue      `yaml:"queue"`
	Echo       fileEcho       `yaml:"echo"`
	Tracker    fileTracker    `yaml:"tracker"`
	Protection fileProtection `yaml:"protection"`
	Backup     fileBackup     `yaml:"backup"`
	Integrity  fileIntegrity  `yaml:"integrity"`
	Remote     fileRemote     `yaml:"remote"`
}

type fileQueue struct {
	BatchSize     int       `yaml:"batch_size"`
	FlushInterval string    `yaml:"flush_interval"`
	MaxFailures   int       `yaml:"max_failures"`
	ResetTimeout  string    `yaml:"reset_timeout"`
	Retry         fileRetry `yaml:"retry"`
}

type fileRetry struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoff    string  `yaml:"initial_backoff"`
	MaxBackoff        string  `yaml:"max_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            float64 `yaml:"jitter"`
}

type fileEcho struct {
	Enabled       *bool   `yaml:"enabled"`
	AgeThreshold  string  `yaml:"age_threshold"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type fileTracker struct {
	RecencyWindow string `yaml:"recency_window"`
	TTL           string `yaml:"ttl"`
	MaxEntries    int    `yaml:"max_entries"`
}

type fileProtection struct {
	RestoreWindow     string `yaml:"restore_window"`
	ImportWindow      string `yaml:"import_window"`
	SessionEditWindow string `yaml:"session_edit_window"`
}

type fileBackup struct {
	MaxSnapshots         int            `yaml:"max_snapshots"`
	Compression          *bool          `yaml:"compression"`
	Interval             string         `yaml:"interval"`
	MaxStorageBytes      int64          `yaml:"max_storage_bytes"`
	StorageHighWatermark float64        `yaml:"storage_high_watermark"`
	Encryption           fileEncryption `yaml:"encryption"`
}

type fileEncryption struct {
	Enabled  bool   `yaml:"enabled"`
	Password string `yaml:"password"`
}

type fileIntegrity struct {
	AddressDropThreshold    int     `yaml:"address_drop_threshold"`
	CompletionDropThreshold int     `yaml:"completion_drop_threshold"`
	DropRatio               float64 `yaml:"drop_ratio"`
	SyncGracePeriod         string  `yaml:"sync_grace_period"`
}

type fileRemote struct {
	OperationsURL string  `yaml:"operations_url"`
	RealtimeURL   string  `yaml:"realtime_url"`
	AuthToken     string  `yaml:"auth_token"`
	Timeout       string  `yaml:"timeout"`
	S3            *fileS3 `yaml:"s3"`
}

type fileS3 struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
	MaxRetries   int    `yaml:"max_retries"`
}

// LoadConfigFile reads a YAML config file and overlays it on the defaults.
// Unset fields keep their default values.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	return f.toConfig()
}

func (f *fileConfig) toConfig() (Config, error) {
	cfg := DefaultConfig(f.Path)
	cfg.UserID = f.UserID

	if f.Queue.BatchSize > 0 {
		cfg.Queue.BatchSize = f.Queue.BatchSize
	}
	if f.Queue.MaxFailures > 0 {
		cfg.Queue.MaxFailures = f.Queue.MaxFailures
	}
	if f.Queue.Retry.MaxAttempts > 0 {
		cfg.Queue.Retry.MaxAttempts = f.Queue.Retry.MaxAttempts
	}
	if f.Queue.Retry.BackoffMultiplier > 0 {
		cfg.Queue.Retry.BackoffMultiplier = f.Queue.Retry.BackoffMultiplier
	}
	if f.Queue.Retry.Jitter > 0 {
		cfg.Queue.Retry.Jitter = f.Queue.Retry.Jitter
	}
	if f.Echo.Enabled != nil {
		cfg.Echo.Enabled = *f.Echo.Enabled
	}
	if f.Echo.MinConfidence > 0 {
		cfg.Echo.MinConfidence = f.Echo.MinConfidence
	}
	if f.Tracker.MaxEntries > 0 {
		cfg.Tracker.MaxEntries = f.Tracker.MaxEntries
	}
	if f.Backup.MaxSnapshots > 0 {
		cfg.Backup.MaxSnapshots = f.Backup.MaxSnapshots
	}
	if f.Backup.Compression != nil {
		cfg.Backup.Compression = *f.Backup.Compression
	}
	if f.Backup.MaxStorageBytes > 0 {
		cfg.Backup.MaxStorageBytes = f.Backup.MaxStorageBytes
	}
	if f.Backup.StorageHighWatermark > 0 {
		cfg.Backup.StorageHighWatermark = f.Backup.StorageHighWatermark
	}
	if f.Backup.Encryption.Enabled {
		cfg.Backup.Encryption.Enabled = true
		cfg.Backup.Encryption.KeyPassword = f.Backup.Encryption.Password
	}
	if f.Integrity.AddressDropThreshold > 0 {
		cfg.Integrity.AddressDropThreshold = f.Integrity.AddressDropThreshold
	}
	if f.Integrity.CompletionDropThreshold > 0 {
		cfg.Integrity.CompletionDropThreshold = f.Integrity.CompletionDropThreshold
	}
	if f.Integrity.DropRatio > 0 {
		cfg.Integrity.DropRatio = f.Integrity.DropRatio
	}

	cfg.Remote.OperationsURL = f.Remote.OperationsURL
	cfg.Remote.RealtimeURL = f.Remote.RealtimeURL
	cfg.Remote.AuthToken = f.Remote.AuthToken
	if f.Remote.S3 != nil {
		cfg.Remote.S3 = &S3SnapshotConfig{
			Bucket:       f.Remote.S3.Bucket,
			Region:       f.Remote.S3.Region,
			Endpoint:     f.Remote.S3.Endpoint,
			Prefix:       f.Remote.S3.Prefix,
			UserID:       f.UserID,
			UsePathStyle: f.Remote.S3.UsePathStyle,
			MaxRetries:   f.Remote.S3.MaxRetries,
		}
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"queue.flush_interval", f.Queue.FlushInterval, &cfg.Queue.FlushInterval},
		{"queue.reset_timeout", f.Queue.ResetTimeout, &cfg.Queue.ResetTimeout},
		{"queue.retry.initial_backoff", f.Queue.Retry.InitialBackoff, &cfg.Queue.Retry.InitialBackoff},
		{"queue.retry.max_backoff", f.Queue.Retry.MaxBackoff, &cfg.Queue.Retry.MaxBackoff},
		{"echo.age_threshold", f.Echo.AgeThreshold, &cfg.Echo.AgeThreshold},
		{"tracker.recency_window", f.Tracker.RecencyWindow, &cfg.Tracker.RecencyWindow},
		{"tracker.ttl", f.Tracker.TTL, &cfg.Tracker.TTL},
		{"protection.restore_window", f.Protection.RestoreWindow, &cfg.Protection.RestoreWindow},
		{"protection.import_window", f.Protection.ImportWindow, &cfg.Protection.ImportWindow},
		{"protection.session_edit_window", f.Protection.SessionEditWindow, &cfg.Protection.SessionEditWindow},
		{"backup.interval", f.Backup.Interval, &cfg.Backup.Interval},
		{"integrity.sync_grace_period", f.Integrity.SyncGracePeriod, &cfg.Integrity.SyncGracePeriod},
		{"remote.timeout", f.Remote.Timeout, &cfg.Remote.Timeout},
	} {
		if err := parseDurationField(d.name, d.value, d.dst); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func parseDurationField(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s duration %q: %w", name, value, err)
	}
	*dst = d
	return nil
}
