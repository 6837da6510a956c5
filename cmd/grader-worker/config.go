package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autograde/internal/common/mq"
	"autograde/internal/common/storage"
	"autograde/internal/grader/archive"
	"autograde/internal/grader/sandbox/container"
	"autograde/internal/grader/sandbox/profile"
	"autograde/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultPullTimeout     = 10 * time.Minute
	defaultOutcomeTopic    = "grading.outcome"
	defaultConsumerGroup   = "grader-worker"
	defaultReportPrefix    = "reports"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	TaskTopic     string        `yaml:"taskTopic"`
	OutcomeTopic  string        `yaml:"outcomeTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
}

// ArtifactsConfig holds object storage layout. Storage is disabled when minio.endpoint is empty.
type ArtifactsConfig struct {
	SourceBucket  string `yaml:"sourceBucket"`
	ReportBucket  string `yaml:"reportBucket"`
	ReportPrefix  string `yaml:"reportPrefix"`
	MaxSourceSize int64  `yaml:"maxSourceSize"`
}

// WorkerConfig holds grading concurrency settings.
type WorkerConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	SlotWait       time.Duration `yaml:"slotWait"`
	ProvisionRate  float64       `yaml:"provisionRate"`
	ProvisionBurst int           `yaml:"provisionBurst"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	// WorkRoot holds per-task host directories.
	WorkRoot string `yaml:"workRoot"`
}

// SandboxConfig holds container engine settings.
type SandboxConfig struct {
	// Binary is the engine command line, e.g. "docker" or "sudo -n docker".
	Binary         string        `yaml:"binary"`
	ScratchRoot    string        `yaml:"scratchRoot"`
	ScratchMount   string        `yaml:"scratchMount"`
	WorkDir        string        `yaml:"workDir"`
	Network        string        `yaml:"network"`
	KeepAlive      []string      `yaml:"keepAlive"`
	SettleDelay    time.Duration `yaml:"settleDelay"`
	StartTimeout   time.Duration `yaml:"startTimeout"`
	CopyInTimeout  time.Duration `yaml:"copyInTimeout"`
	MaxOutputBytes int64         `yaml:"maxOutputBytes"`
	PullImages     bool          `yaml:"pullImages"`
	PullTimeout    time.Duration `yaml:"pullTimeout"`
	SweepOnStart   bool          `yaml:"sweepOnStart"`
}

// AppConfig holds grader-worker config.
type AppConfig struct {
	Server    ServerConfig               `yaml:"server"`
	Logger    logger.Config              `yaml:"logger"`
	Kafka     KafkaConfig                `yaml:"kafka"`
	MinIO     storage.MinIOConfig        `yaml:"minio"`
	Artifacts ArtifactsConfig            `yaml:"artifacts"`
	Worker    WorkerConfig               `yaml:"worker"`
	Sandbox   SandboxConfig              `yaml:"sandbox"`
	Profiles  []profile.BuildToolProfile `yaml:"profiles"`
	// Attempts maps assignment ids to attempt windows.
	Attempts map[string]time.Duration `yaml:"attempts"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Kafka.TaskTopic == "" {
		return nil, fmt.Errorf("kafka task topic is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Kafka.OutcomeTopic == "" {
		cfg.Kafka.OutcomeTopic = defaultOutcomeTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Kafka.Concurrency <= 0 {
		cfg.Kafka.Concurrency = cfg.Worker.PoolSize
	}
	if cfg.Worker.WorkRoot == "" {
		cfg.Worker.WorkRoot = filepath.Join(os.TempDir(), "autograde", "tasks")
	}
	if cfg.Sandbox.ScratchRoot == "" {
		cfg.Sandbox.ScratchRoot = filepath.Join(os.TempDir(), "autograde", "scratch")
	}
	if cfg.Sandbox.PullTimeout == 0 {
		cfg.Sandbox.PullTimeout = defaultPullTimeout
	}
	if cfg.Artifacts.ReportBucket != "" && cfg.Artifacts.ReportPrefix == "" {
		cfg.Artifacts.ReportPrefix = defaultReportPrefix
	}
	if cfg.Artifacts.MaxSourceSize <= 0 {
		cfg.Artifacts.MaxSourceSize = archive.DefaultMaxBytes
	}
	for id, ttl := range cfg.Attempts {
		if ttl < 0 {
			return nil, fmt.Errorf("attempt window of %s must not be negative", id)
		}
	}
	return &cfg, nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		DialTimeout:  k.DialTimeout,
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
	}
}

func (s SandboxConfig) toContainerConfig() (container.Config, error) {
	binary, err := container.ParseBinary(s.Binary)
	if err != nil {
		return container.Config{}, err
	}
	return container.Config{
		Binary:        binary,
		WorkRoot:      s.ScratchRoot,
		ScratchMount:  s.ScratchMount,
		WorkDir:       s.WorkDir,
		Network:       s.Network,
		KeepAlive:     s.KeepAlive,
		SettleDelay:   s.SettleDelay,
		StartTimeout:  s.StartTimeout,
		CopyInTimeout: s.CopyInTimeout,
	}, nil
}
