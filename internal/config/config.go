package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"mailtriage/pkg/config"
)

// WorkerConfig worker 循环与各 stage 超时
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	IdleDelay       time.Duration `yaml:"idle_delay"`
	MaxIdleDelay    time.Duration `yaml:"max_idle_delay"`
	ErrorDelay      time.Duration `yaml:"error_delay"`
	RedactTimeout   time.Duration `yaml:"redact_timeout"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	// ops HTTP 端口（健康检查与指标）
	OpsPort string `yaml:"ops_port"`
}

// RedactorConfig 脱敏服务配置，mode 为 pattern 或 presidio
type RedactorConfig struct {
	Mode          string        `yaml:"mode"`
	AnalyzerURL   string        `yaml:"analyzer_url"`
	AnonymizerURL string        `yaml:"anonymizer_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LLMConfig OpenAI 兼容接口配置
type LLMConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	ClassifyModel string        `yaml:"classify_model"`
	ReplyModel    string        `yaml:"reply_model"`
	Timeout       time.Duration `yaml:"timeout"`
}

// OutboxConfig outbox 分发配置
type OutboxConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// MonitorConfig 卡住条目巡检配置
type MonitorConfig struct {
	Schedule   string        `yaml:"schedule"`
	StuckAfter time.Duration `yaml:"stuck_after"`
}

type Config struct {
	App      string              `yaml:"app"`
	Version  string              `yaml:"version"`
	LogLevel string              `yaml:"log_level"`
	DB       config.DBConfig     `yaml:"db"`
	Redis    config.RedisConfig  `yaml:"redis"`
	MQ       config.MQConfig     `yaml:"mq"`
	Server   config.ServerConfig `yaml:"server"`
	Admin    config.AdminConfig  `yaml:"admin"`
	Worker   WorkerConfig        `yaml:"worker"`
	Redactor RedactorConfig      `yaml:"redactor"`
	LLM      LLMConfig           `yaml:"llm"`
	Outbox   OutboxConfig        `yaml:"outbox"`
	Monitor  MonitorConfig       `yaml:"monitor"`
}

// Load 使用统一配置中心加载配置，失败直接退出
func Load() *Config {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfg, err := LoadFrom(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom loads, decodes, applies env overrides and validates.
func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideAdminFromEnv(&cfg.Admin)
	overrideFromEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App:      "mailtriage",
		Version:  "1.0.0",
		LogLevel: "info",
		Server:   config.ServerConfig{Port: "8080", ShutdownTimeout: 30 * time.Second},
		Redis:    config.RedisConfig{DedupTTL: 24 * time.Hour},
		Admin:    config.AdminConfig{Username: "admin", TokenTTL: 12 * time.Hour},
		Worker: WorkerConfig{
			Concurrency:     1,
			IdleDelay:       2 * time.Second,
			MaxIdleDelay:    60 * time.Second,
			ErrorDelay:      5 * time.Second,
			RedactTimeout:   15 * time.Second,
			ClassifyTimeout: 30 * time.Second,
			ReplyTimeout:    30 * time.Second,
			PersistTimeout:  10 * time.Second,
			OpsPort:         "9090",
		},
		Redactor: RedactorConfig{Mode: "pattern", Timeout: 10 * time.Second},
		LLM: LLMConfig{
			ClassifyModel: "llama3",
			ReplyModel:    "gemma2:2b",
			Timeout:       30 * time.Second,
		},
		Outbox: OutboxConfig{
			Enabled:    true,
			Interval:   2 * time.Second,
			BatchSize:  100,
			MaxRetries: 5,
		},
		Monitor: MonitorConfig{Schedule: "@every 5m", StuckAfter: 15 * time.Minute},
	}
}

func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if url := os.Getenv("LLM_BASE_URL"); url != "" {
		cfg.LLM.BaseURL = url
	}
	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.Worker.Concurrency = v
		}
	}
	if mode := os.Getenv("REDACTOR_MODE"); mode != "" {
		cfg.Redactor.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

func (c *Config) validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.IdleDelay <= 0 || c.Worker.MaxIdleDelay < c.Worker.IdleDelay {
		return fmt.Errorf("worker.idle_delay must be > 0 and <= worker.max_idle_delay")
	}
	switch c.Redactor.Mode {
	case "pattern":
	case "presidio":
		if c.Redactor.AnalyzerURL == "" || c.Redactor.AnonymizerURL == "" {
			return fmt.Errorf("redactor.mode=presidio requires analyzer_url and anonymizer_url")
		}
	default:
		return fmt.Errorf("unknown redactor.mode %q", c.Redactor.Mode)
	}
	return nil
}
