package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Sokosumi-Chain/internal/auth"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/queue"
	"Sokosumi-Chain/pkg/logger"
)

// Config 描述了 Sokosumi 守护进程与命令行在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Sokosumi SokosumiConfig `json:"sokosumi" yaml:"sokosumi"`
	Masumi   MasumiConfig   `json:"masumi" yaml:"masumi"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsEnabled *bool  `json:"metrics_enabled" yaml:"metrics_enabled"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// APITokens 为空时 API 不做认证。
	APITokens []APITokenConfig `json:"api_tokens" yaml:"api_tokens"`
}

// APITokenConfig 描述一条访问守护进程 API 的静态令牌。
type APITokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// SokosumiConfig 描述智能体市场的访问方式。
type SokosumiConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIEndpoint    string `json:"api_endpoint" yaml:"api_endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// MasumiConfig 描述支付服务节点以及轮询预算。
type MasumiConfig struct {
	ServiceURL          string `json:"service_url" yaml:"service_url"`
	AdminAPIKey         string `json:"admin_api_key" yaml:"admin_api_key"`
	Network             string `json:"network" yaml:"network"`
	TimeoutSeconds      int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxWaitSeconds      int    `json:"max_wait_seconds" yaml:"max_wait_seconds"`
	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
}

// StorageConfig 描述任务追踪记录的持久化后端。
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	// MaxHistory 为保留的已结束任务数量。
	MaxHistory int `json:"max_history" yaml:"max_history"`
	MaxChecks  int `json:"max_checks" yaml:"max_checks"`
}

// QueueConfig 描述支付监听队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Async    bool           `json:"async" yaml:"async"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接信息。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Queue    string `json:"queue" yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// AlertingConfig 描述告警通知渠道，均为可选项。
type AlertingConfig struct {
	// AuditLog 为 true 时将告警写入审计日志。
	AuditLog        bool   `json:"audit_log" yaml:"audit_log"`
	WebhookURL      string `json:"webhook_url" yaml:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url" yaml:"slack_webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	StateFile string `json:"state_file" yaml:"state_file"`
}

const (
	DefaultSokosumiEndpoint = "https://sokosumi.com/api/v1"
	DefaultMaxHistory       = 50
	DefaultMaxChecks        = 20
)

// Load 负责解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	return finish(&cfg, filepath.Dir(path))
}

// Default 返回仅依赖环境变量的配置，供没有配置文件的命令行场景使用。
func Default() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return finish(&Config{}, wd)
}

func finish(cfg *Config, baseDir string) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 使用环境变量覆盖敏感字段，环境变量优先于文件内容。
func (c *Config) applyEnv() {
	if v := os.Getenv("SOKOSUMI_API_KEY"); v != "" {
		c.Sokosumi.APIKey = v
	}
	if v := os.Getenv("SOKOSUMI_API_ENDPOINT"); v != "" {
		c.Sokosumi.APIEndpoint = v
	}
	if v := os.Getenv("MASUMI_SERVICE_URL"); v != "" {
		c.Masumi.ServiceURL = v
	}
	if v := os.Getenv("MASUMI_ADMIN_API_KEY"); v != "" {
		c.Masumi.AdminAPIKey = v
	}
	if v := os.Getenv("MASUMI_NETWORK"); v != "" {
		c.Masumi.Network = v
	}
	if v := os.Getenv("SOKOSUMID_API_TOKEN"); v != "" {
		c.Server.APITokens = append(c.Server.APITokens, APITokenConfig{Name: "env", Token: v})
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsEnabled == nil {
		enabled := true
		c.Server.MetricsEnabled = &enabled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Sokosumi.APIEndpoint == "" {
		c.Sokosumi.APIEndpoint = DefaultSokosumiEndpoint
	}
	if c.Sokosumi.TimeoutSeconds <= 0 {
		c.Sokosumi.TimeoutSeconds = 30
	}

	if c.Masumi.Network == "" {
		c.Masumi.Network = string(masumi.NetworkPreprod)
	}
	if c.Masumi.TimeoutSeconds <= 0 {
		c.Masumi.TimeoutSeconds = int(masumi.DefaultRequestTimeout / time.Second)
	}
	if c.Masumi.MaxWaitSeconds <= 0 {
		c.Masumi.MaxWaitSeconds = int(masumi.DefaultMaxWait / time.Second)
	}
	if c.Masumi.PollIntervalSeconds <= 0 {
		c.Masumi.PollIntervalSeconds = int(masumi.DefaultPollInterval / time.Second)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxHistory <= 0 {
		c.Storage.MaxHistory = DefaultMaxHistory
	}
	if c.Storage.MaxChecks <= 0 {
		c.Storage.MaxChecks = DefaultMaxChecks
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "sokosumi:payment-watch"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "sokosumi.payment-watch"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "sokosumi.db")
	}
	if c.Runtime.StateFile == "" {
		c.Runtime.StateFile = filepath.Join(c.Runtime.DataDir, "sokosumi_jobs.db")
	}
}

// Validate 校验配置取值是否合法。
func (c *Config) Validate() error {
	if _, err := masumi.ParseNetwork(c.Masumi.Network); err != nil {
		return fmt.Errorf("masumi.network 配置无效: %w", err)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn 不能为空 (mysql)")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}
	for name, raw := range map[string]string{
		"alerting.webhook_url":       c.Alerting.WebhookURL,
		"alerting.slack_webhook_url": c.Alerting.SlackWebhookURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s 不是合法的 URL: %s", name, raw)
		}
	}
	for i, token := range c.Server.APITokens {
		if strings.TrimSpace(token.Token) == "" {
			return fmt.Errorf("server.api_tokens[%d].token 不能为空", i)
		}
	}
	if c.Sokosumi.Enabled && c.Sokosumi.APIKey == "" {
		return errors.New("sokosumi.api_key 未配置，可通过 SOKOSUMI_API_KEY 环境变量提供")
	}
	return nil
}

// PaymentConfigured 判断是否具备调用支付服务的必要信息。
func (c *Config) PaymentConfigured() bool {
	return strings.TrimSpace(c.Masumi.ServiceURL) != "" && strings.TrimSpace(c.Masumi.AdminAPIKey) != ""
}

// MasumiClientConfig 转换为支付客户端配置。
func (c *Config) MasumiClientConfig() masumi.Config {
	return masumi.Config{
		ServiceURL:  c.Masumi.ServiceURL,
		AdminAPIKey: c.Masumi.AdminAPIKey,
		Network:     masumi.Network(c.Masumi.Network),
		Timeout:     time.Duration(c.Masumi.TimeoutSeconds) * time.Second,
	}
}

// WaitOptions 返回配置中的轮询预算。
func (c *Config) WaitOptions() masumi.WaitOptions {
	return masumi.WaitOptions{
		MaxWait:      time.Duration(c.Masumi.MaxWaitSeconds) * time.Second,
		PollInterval: time.Duration(c.Masumi.PollIntervalSeconds) * time.Second,
	}
}

// LoggerConfig 转换为 pkg/logger 的初始化参数。
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: c.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
		},
	}
}

// QueueOptions 转换为队列驱动参数。
func (c *Config) QueueOptions() queue.Options {
	return queue.Options{
		Driver: c.Queue.Driver,
		Size:   1024,
		Redis: queue.RedisConfig{
			Address:  c.Queue.Redis.Address,
			Username: c.Queue.Redis.Username,
			Password: c.Queue.Redis.Password,
			DB:       c.Queue.Redis.DB,
			Queue:    c.Queue.Redis.Queue,
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:      c.Queue.RabbitMQ.URL,
			Queue:    c.Queue.RabbitMQ.Queue,
			Prefetch: c.Queue.RabbitMQ.Prefetch,
		},
	}
}

// SokosumiTimeout 返回市场请求的超时时间。
func (c *Config) SokosumiTimeout() time.Duration {
	return time.Duration(c.Sokosumi.TimeoutSeconds) * time.Second
}

// AuthTokens 转换为认证服务使用的令牌列表。
func (c *Config) AuthTokens() []auth.Token {
	tokens := make([]auth.Token, 0, len(c.Server.APITokens))
	for _, t := range c.Server.APITokens {
		tokens = append(tokens, auth.Token{Name: t.Name, Secret: t.Token, Permissions: t.Permissions})
	}
	return tokens
}
