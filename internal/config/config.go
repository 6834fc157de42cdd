// Package config provides configuration for the cqstream process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/jsoncodec"
	"github.com/cqstream/cqstream/internal/query/aggregator"
	"github.com/cqstream/cqstream/pkg/types"
)

// Config holds the process configuration.
type Config struct {
	// DataDir is the base directory for data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Stream delivery configuration
	Stream StreamConfig `json:"stream" yaml:"stream"`

	// Worker configuration
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Statistics catalog configuration
	Stats StatsConfig `json:"stats" yaml:"stats"`

	// View snapshot export configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Prometheus endpoint configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Streams declares stream schemas. Streams not declared here are
	// inferred from the columns of their inserts.
	Streams []StreamDef `json:"streams" yaml:"streams"`

	// Views declares the continuous views
	Views []ViewConfig `json:"views" yaml:"views"`
}

// StreamConfig holds delivery configuration.
type StreamConfig struct {
	// BatchSize is the sub-batch rotation threshold of inserts and the
	// maximum worker batch (default 10000)
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// SynchronousInsert makes inserts wait until workers consumed their rows
	SynchronousInsert bool `json:"synchronous_insert" yaml:"synchronous_insert"`

	// NumWorkers is the number of worker queues (default 4)
	NumWorkers int `json:"num_workers" yaml:"num_workers"`

	// QueueCapacityBytes bounds each worker queue (default 1 MiB)
	QueueCapacityBytes int `json:"queue_capacity_bytes" yaml:"queue_capacity_bytes"`

	// CompressThresholdBytes is the row size from which rows are snappy
	// compressed; 0 disables compression
	CompressThresholdBytes int `json:"compress_threshold_bytes" yaml:"compress_threshold_bytes"`

	// AckTimeout bounds the wait of a synchronous insert; 0 waits forever
	AckTimeout time.Duration `json:"ack_timeout" yaml:"ack_timeout"`

	// ProducerIdentity pins this process's inserts to one queue
	ProducerIdentity string `json:"producer_identity" yaml:"producer_identity"`
}

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// MaxWait is how long a worker waits to fill a started batch
	MaxWait time.Duration `json:"max_wait" yaml:"max_wait"`

	// DisableDescriptorCache rebuilds field mappings for every message
	DisableDescriptorCache bool `json:"disable_descriptor_cache" yaml:"disable_descriptor_cache"`
}

// StatsConfig holds statistics catalog configuration.
type StatsConfig struct {
	// Path is the SQLite catalog path; ":memory:" keeps it in memory and an
	// empty path disables persistence
	Path string `json:"path" yaml:"path"`

	// FlushInterval is how often statistics are persisted
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// Window is how long idle statistics entries are kept in memory
	Window time.Duration `json:"window" yaml:"window"`
}

// SnapshotType selects where view snapshots are written.
type SnapshotType string

const (
	SnapshotNone  SnapshotType = ""
	SnapshotLocal SnapshotType = "local"
	SnapshotS3    SnapshotType = "s3"
)

// SnapshotConfig holds view snapshot export configuration.
type SnapshotConfig struct {
	// Type is local, s3 or empty to disable snapshots
	Type SnapshotType `json:"type" yaml:"type"`

	// Path is the local snapshot directory (default: DataDir/snapshots)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every snapshot key
	Prefix string `json:"prefix" yaml:"prefix"`

	// Interval exports periodically; 0 exports only at shutdown
	Interval time.Duration `json:"interval" yaml:"interval"`

	// S3 settings
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP address serving /metrics; empty disables it
	Addr string `json:"addr" yaml:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// ColumnConfig declares one column.
type ColumnConfig struct {
	Name    string       `json:"name" yaml:"name"`
	Type    types.TypeID `json:"type" yaml:"type"`
	TypeMod int32        `json:"typmod,omitempty" yaml:"typmod,omitempty"`
}

// Field converts the column to a descriptor field.
func (c ColumnConfig) Field() types.Field {
	typmod := c.TypeMod
	if typmod == 0 {
		typmod = -1
	}
	return types.NewField(c.Name, c.Type, typmod)
}

// StreamDef declares the schema of a stream.
type StreamDef struct {
	Name    string         `json:"name" yaml:"name"`
	Columns []ColumnConfig `json:"columns" yaml:"columns"`
}

// Descriptor returns the stream's schema.
func (s StreamDef) Descriptor() *types.Descriptor {
	return columnsDescriptor(s.Columns)
}

// ViewConfig declares a continuous view.
type ViewConfig struct {
	Name   string `json:"name" yaml:"name"`
	Stream string `json:"stream" yaml:"stream"`

	// Columns is the row shape the view reads from the stream
	Columns []ColumnConfig `json:"columns" yaml:"columns"`

	GroupBy    []string                   `json:"group_by" yaml:"group_by"`
	Aggregates []aggregator.AggregateSpec `json:"aggregates" yaml:"aggregates"`
}

// Descriptor returns the row shape the view reads.
func (v ViewConfig) Descriptor() *types.Descriptor {
	return columnsDescriptor(v.Columns)
}

func columnsDescriptor(cols []ColumnConfig) *types.Descriptor {
	fields := make([]types.Field, len(cols))
	for i, c := range cols {
		fields[i] = c.Field()
	}
	return types.NewDescriptor(fields...)
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/cqstream",
		Stream: StreamConfig{
			BatchSize:              10000,
			SynchronousInsert:      true,
			NumWorkers:             4,
			QueueCapacityBytes:     1 << 20,
			CompressThresholdBytes: 0,
			AckTimeout:             0,
		},
		Worker: WorkerConfig{
			MaxWait: 10 * time.Millisecond,
		},
		Stats: StatsConfig{
			Path:          "",
			FlushInterval: 10 * time.Second,
			Window:        time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and fills unset values with defaults.
func (c *Config) Resolve() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Stream.BatchSize == 0 {
		c.Stream.BatchSize = def.Stream.BatchSize
	}
	if c.Stream.NumWorkers == 0 {
		c.Stream.NumWorkers = def.Stream.NumWorkers
	}
	if c.Stream.QueueCapacityBytes == 0 {
		c.Stream.QueueCapacityBytes = def.Stream.QueueCapacityBytes
	}
	if c.Stats.FlushInterval == 0 {
		c.Stats.FlushInterval = def.Stats.FlushInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Snapshot.Type == SnapshotLocal && c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "snapshots")
	}

	// Resolve the stats catalog path relative to the data directory
	if c.Stats.Path != "" && c.Stats.Path != ":memory:" && !filepath.IsAbs(c.Stats.Path) &&
		!strings.ContainsRune(c.Stats.Path, filepath.Separator) {
		c.Stats.Path = filepath.Join(c.DataDir, c.Stats.Path)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Stream.BatchSize <= 0 {
		return invalid("stream.batch_size must be positive, got %d", c.Stream.BatchSize)
	}
	if c.Stream.NumWorkers <= 0 {
		return invalid("stream.num_workers must be positive, got %d", c.Stream.NumWorkers)
	}
	if c.Stream.QueueCapacityBytes <= 0 {
		return invalid("stream.queue_capacity_bytes must be positive, got %d", c.Stream.QueueCapacityBytes)
	}
	if c.Stream.CompressThresholdBytes < 0 {
		return invalid("stream.compress_threshold_bytes must not be negative")
	}
	if c.Stream.AckTimeout < 0 || c.Worker.MaxWait < 0 {
		return invalid("durations must not be negative")
	}
	if c.Stats.Path != "" && c.Stats.FlushInterval <= 0 {
		return invalid("stats.flush_interval must be positive when stats.path is set")
	}
	switch c.Snapshot.Type {
	case SnapshotNone, SnapshotLocal:
	case SnapshotS3:
		if c.Snapshot.Bucket == "" {
			return invalid("snapshot.bucket is required for s3 snapshots")
		}
	default:
		return invalid("invalid snapshot.type: %s (must be local or s3)", c.Snapshot.Type)
	}
	if c.Snapshot.Interval < 0 {
		return invalid("snapshot.interval must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("invalid log.level: %s (must be debug, info, warn or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return invalid("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	streams := make(map[string]bool)
	for _, s := range c.Streams {
		key := strings.ToLower(s.Name)
		if s.Name == "" {
			return invalid("stream name is required")
		}
		if streams[key] {
			return invalid("duplicate stream %s", s.Name)
		}
		streams[key] = true
		if err := validateColumns("stream "+s.Name, s.Columns); err != nil {
			return err
		}
	}

	views := make(map[string]bool)
	for _, v := range c.Views {
		key := strings.ToLower(v.Name)
		if v.Name == "" {
			return invalid("view name is required")
		}
		if views[key] {
			return invalid("duplicate view %s", v.Name)
		}
		views[key] = true
		if v.Stream == "" {
			return invalid("view %s: stream is required", v.Name)
		}
		if len(v.Columns) == 0 {
			return invalid("view %s: columns are required", v.Name)
		}
		if err := validateColumns("view "+v.Name, v.Columns); err != nil {
			return err
		}
		if _, err := aggregator.NewView(v.Name, v.Descriptor(), v.GroupBy, v.Aggregates); err != nil {
			return invalid("%v", err)
		}
	}

	return nil
}

func validateColumns(owner string, cols []ColumnConfig) error {
	seen := make(map[string]bool)
	for _, col := range cols {
		if col.Name == "" {
			return invalid("%s: column name is required", owner)
		}
		if !col.Type.Valid() || col.Type == types.TypeRecord {
			return invalid("%s: column %s has unsupported type %s", owner, col.Name, col.Type)
		}
		key := strings.ToLower(col.Name)
		if seen[key] {
			return invalid("%s: duplicate column %s", owner, col.Name)
		}
		seen[key] = true
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return streamerrors.NewConfigError(fmt.Sprintf(format, args...))
}

// StreamDescriptor returns the declared schema of stream, nil when the
// stream is inferred.
func (c *Config) StreamDescriptor(stream string) *types.Descriptor {
	for _, s := range c.Streams {
		if strings.EqualFold(s.Name, stream) {
			return s.Descriptor()
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := jsoncodec.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CQSTREAM_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CQSTREAM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Stream configuration
	if v := os.Getenv("CQSTREAM_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stream.BatchSize)
	}
	if v := os.Getenv("CQSTREAM_SYNCHRONOUS_INSERT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Stream.SynchronousInsert = b
		}
	}
	if v := os.Getenv("CQSTREAM_NUM_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stream.NumWorkers)
	}
	if v := os.Getenv("CQSTREAM_QUEUE_CAPACITY_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stream.QueueCapacityBytes)
	}
	if v := os.Getenv("CQSTREAM_COMPRESS_THRESHOLD_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stream.CompressThresholdBytes)
	}
	if v := os.Getenv("CQSTREAM_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.AckTimeout = d
		}
	}
	if v := os.Getenv("CQSTREAM_PRODUCER_IDENTITY"); v != "" {
		cfg.Stream.ProducerIdentity = v
	}

	// Worker configuration
	if v := os.Getenv("CQSTREAM_WORKER_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.MaxWait = d
		}
	}

	// Stats configuration
	if v := os.Getenv("CQSTREAM_STATS_PATH"); v != "" {
		cfg.Stats.Path = v
	}
	if v := os.Getenv("CQSTREAM_STATS_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stats.FlushInterval = d
		}
	}

	// Snapshot configuration
	if v := os.Getenv("CQSTREAM_SNAPSHOT_TYPE"); v != "" {
		cfg.Snapshot.Type = SnapshotType(v)
	}
	if v := os.Getenv("CQSTREAM_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("CQSTREAM_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Snapshot.Region == "" {
		cfg.Snapshot.Region = v
	}

	if v := os.Getenv("CQSTREAM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("CQSTREAM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CQSTREAM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Stats.Path != "" && c.Stats.Path != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Stats.Path))
	}
	if c.Snapshot.Type == SnapshotLocal {
		dirs = append(dirs, c.Snapshot.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
