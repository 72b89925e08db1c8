package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration. Zero values are filled
// from Default before validation.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Workers  WorkersConfig  `yaml:"workers"`
	Queue    QueueConfig    `yaml:"queue"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Progress ProgressConfig `yaml:"progress"`
	Task     TaskConfig     `yaml:"task"`
	Log      LogConfig      `yaml:"log"`
	DataDir  string         `yaml:"dataDir"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	EnableCORS   bool          `yaml:"enableCors"`
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	Count int `yaml:"count"`
}

// QueueConfig shapes retry and crash-recovery behavior.
type QueueConfig struct {
	BaseDelayMs int `yaml:"baseDelayMs"`
	MaxDelayMs  int `yaml:"maxDelayMs"`
	MaxAttempts int `yaml:"maxAttempts"`
	LeaseMs     int `yaml:"leaseMs"`
}

// BaseDelay returns the retry base delay.
func (q QueueConfig) BaseDelay() time.Duration { return time.Duration(q.BaseDelayMs) * time.Millisecond }

// MaxDelay returns the retry delay cap.
func (q QueueConfig) MaxDelay() time.Duration { return time.Duration(q.MaxDelayMs) * time.Millisecond }

// Lease returns the reservation lease duration.
func (q QueueConfig) Lease() time.Duration { return time.Duration(q.LeaseMs) * time.Millisecond }

// UpstreamConfig configures the VK client.
type UpstreamConfig struct {
	BaseURL          string  `yaml:"baseUrl"`
	AccessToken      string  `yaml:"accessToken"`
	APIVersion       string  `yaml:"apiVersion"`
	RPS              float64 `yaml:"rps"`
	Burst            int     `yaml:"burst"`
	Concurrency      int     `yaml:"concurrency"`
	RequestTimeoutMs int     `yaml:"requestTimeoutMs"`
	TransientRetries int     `yaml:"transientRetries"`
	PageSize         int     `yaml:"pageSize"`
}

// RequestTimeout returns the per-request deadline.
func (u UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutMs) * time.Millisecond
}

// ProgressConfig tunes the progress estimator.
type ProgressConfig struct {
	EstimatedCommentsPerPost int `yaml:"estimatedCommentsPerPost"`
}

// TaskConfig holds task-level defaults.
type TaskConfig struct {
	DefaultTimeoutMs int  `yaml:"defaultTimeoutMs"` // 0 = no task deadline
	DeleteResults    bool `yaml:"deleteResults"`    // cascade posts/comments on task delete
}

// DefaultTimeout returns the overall task deadline, zero for none.
func (t TaskConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutMs) * time.Millisecond
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Workers: WorkersConfig{Count: 3},
		Queue: QueueConfig{
			BaseDelayMs: 1000,
			MaxDelayMs:  60000,
			MaxAttempts: 5,
			LeaseMs:     30000,
		},
		Upstream: UpstreamConfig{
			BaseURL:          "https://api.vk.com/method",
			APIVersion:       "5.131",
			RPS:              3,
			Burst:            3,
			Concurrency:      2,
			RequestTimeoutMs: 10000,
			TransientRetries: 3,
			PageSize:         100,
		},
		Progress: ProgressConfig{EstimatedCommentsPerPost: 15},
		Task:     TaskConfig{DeleteResults: true},
		Log:      LogConfig{Level: "info"},
		DataDir:  "./gleaner-data",
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", c.Workers.Count)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.maxAttempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BaseDelayMs <= 0 || c.Queue.MaxDelayMs < c.Queue.BaseDelayMs {
		return fmt.Errorf("queue delays invalid: base=%dms max=%dms", c.Queue.BaseDelayMs, c.Queue.MaxDelayMs)
	}
	if c.Queue.LeaseMs <= 0 {
		return fmt.Errorf("queue.leaseMs must be > 0, got %d", c.Queue.LeaseMs)
	}
	if c.Upstream.RPS <= 0 || c.Upstream.Burst < 1 {
		return fmt.Errorf("upstream rate invalid: rps=%v burst=%d", c.Upstream.RPS, c.Upstream.Burst)
	}
	if c.Upstream.Concurrency < 1 {
		return fmt.Errorf("upstream.concurrency must be >= 1, got %d", c.Upstream.Concurrency)
	}
	if c.Progress.EstimatedCommentsPerPost < 1 {
		return fmt.Errorf("progress.estimatedCommentsPerPost must be >= 1, got %d", c.Progress.EstimatedCommentsPerPost)
	}
	return nil
}
