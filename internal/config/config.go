package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ChainFlow-Nodes/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINFLOW_CONFIG"

// Config 描述了 chainflowd 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig                 `json:"server" yaml:"server"`
	Metrics     MetricsConfig                `json:"metrics" yaml:"metrics"`
	Logging     logger.Config                `json:"logging" yaml:"logging"`
	Catalog     CatalogConfig                `json:"catalog" yaml:"catalog"`
	Networks    NetworksConfig               `json:"networks" yaml:"networks"`
	RPC         RPCConfig                    `json:"rpc" yaml:"rpc"`
	Credentials map[string]map[string]string `json:"credentials" yaml:"credentials"`
	Execution   ExecutionConfig              `json:"execution" yaml:"execution"`
	Triggers    TriggersConfig               `json:"triggers" yaml:"triggers"`
	Alerting    AlertingConfig               `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string   `json:"address" yaml:"address"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled"`
	Path     string `json:"path" yaml:"path"`
}

// CatalogConfig 指定额外的操作目录文件夹，与内置目录合并。
type CatalogConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// NetworksConfig 指定覆盖内置网络表的 YAML 文件。
type NetworksConfig struct {
	File string `json:"file" yaml:"file"`
}

// RPCConfig 描述调用提供方时使用的 HTTP 客户端参数。
type RPCConfig struct {
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	UserAgent        string   `json:"user_agent" yaml:"user_agent"`
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes"`
}

// ExecutionConfig 描述执行存储、队列和处理器。
type ExecutionConfig struct {
	Store       StoreConfig `json:"store" yaml:"store"`
	Queue       QueueConfig `json:"queue" yaml:"queue"`
	Workers     int         `json:"workers" yaml:"workers"`
	MaxRetries  int         `json:"max_retries" yaml:"max_retries"`
	CallTimeout Duration    `json:"call_timeout" yaml:"call_timeout"`
}

// StoreConfig 选择执行存储实现：memory 或 mysql。
type StoreConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// QueueConfig 选择执行队列实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 为队列和触发器输出共用。
type RedisConfig struct {
	Address  string   `json:"address" yaml:"address"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
	Queue    string   `json:"queue" yaml:"queue"`
	Channel  string   `json:"channel" yaml:"channel"`
	Wait     Duration `json:"wait" yaml:"wait"`
}

// RabbitMQConfig 为队列和触发器输出共用。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// KafkaConfig 描述触发器事件的 Kafka 输出。
type KafkaConfig struct {
	Brokers  []string `json:"brokers" yaml:"brokers"`
	Topic    string   `json:"topic" yaml:"topic"`
	ClientID string   `json:"client_id" yaml:"client_id"`
}

// TriggersConfig 描述触发器事件的投递目标。
type TriggersConfig struct {
	Sinks           []string       `json:"sinks" yaml:"sinks"`
	MemoryCapacity  int            `json:"memory_capacity" yaml:"memory_capacity"`
	DeliveryTimeout Duration       `json:"delivery_timeout" yaml:"delivery_timeout"`
	StreamHeartbeat Duration       `json:"stream_heartbeat" yaml:"stream_heartbeat"`
	Redis           RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Kafka           KafkaConfig    `json:"kafka" yaml:"kafka"`
}

// AlertingConfig 描述终态失败的告警通道。
type AlertingConfig struct {
	Log     bool          `json:"log" yaml:"log"`
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
	Slack   SlackConfig   `json:"slack" yaml:"slack"`
}

// WebhookConfig 描述通用 HTTP 告警。
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// SlackConfig 描述 Slack incoming webhook。
type SlackConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// 支持的驱动名称。
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	SinkLog        = "log"
	SinkKafka      = "kafka"
)

// Duration 允许在配置中书写 "30s" 这类字符串，也兼容秒数。
type Duration time.Duration

// Std 返回标准库类型。
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		if strings.TrimSpace(v) == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("无效的时长类型 %T", raw)
	}
	return nil
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 使用 YAML，其余按 JSON 解析。
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

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 CHAINFLOW_CONFIG 指向的文件；未设置时返回默认配置。
func LoadFromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return Load(path)
	}
	return Defaults(), nil
}

// Defaults 返回未读取任何文件时的配置。
func Defaults() *Config {
	var cfg Config
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(".")
	return &cfg
}

// applyEnv 允许用环境变量覆盖少量部署相关字段。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CHAINFLOW_SERVER_ADDRESS"); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup("CHAINFLOW_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("CHAINFLOW_MYSQL_DSN"); ok && v != "" {
		c.Execution.Store.MySQL.DSN = v
	}
	if v, ok := lookup("CHAINFLOW_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Execution.Workers = n
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = Duration(5 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Catalog.Dir != "" {
		c.Catalog.Dir = resolve(baseDir, c.Catalog.Dir)
	}
	if c.Networks.File != "" {
		c.Networks.File = resolve(baseDir, c.Networks.File)
	}

	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = Duration(30 * time.Second)
	}
	if c.RPC.MaxResponseBytes <= 0 {
		c.RPC.MaxResponseBytes = 32 << 20
	}

	if c.Execution.Store.Driver == "" {
		c.Execution.Store.Driver = DriverMemory
	}
	if c.Execution.Queue.Driver == "" {
		c.Execution.Queue.Driver = DriverMemory
	}
	if c.Execution.Queue.Size <= 0 {
		c.Execution.Queue.Size = 256
	}
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = 4
	}
	if c.Execution.MaxRetries <= 0 {
		c.Execution.MaxRetries = 3
	}
	if c.Execution.CallTimeout == 0 {
		c.Execution.CallTimeout = Duration(time.Minute)
	}

	if len(c.Triggers.Sinks) == 0 {
		c.Triggers.Sinks = []string{SinkLog}
	}
	if c.Triggers.MemoryCapacity <= 0 {
		c.Triggers.MemoryCapacity = 256
	}
	if c.Triggers.DeliveryTimeout == 0 {
		c.Triggers.DeliveryTimeout = Duration(10 * time.Second)
	}
	if c.Triggers.StreamHeartbeat == 0 {
		c.Triggers.StreamHeartbeat = Duration(30 * time.Second)
	}
}

// Validate 检查驱动名称以及所选驱动的必填项。
func (c *Config) Validate() error {
	var errs []error
	switch c.Execution.Store.Driver {
	case DriverMemory:
	case DriverMySQL:
		if strings.TrimSpace(c.Execution.Store.MySQL.DSN) == "" {
			errs = append(errs, errors.New("execution.store.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的执行存储 %q", c.Execution.Store.Driver))
	}

	switch c.Execution.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Execution.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("execution.queue.redis.address 不能为空"))
		}
	case DriverRabbitMQ:
		if c.Execution.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("execution.queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的执行队列 %q", c.Execution.Queue.Driver))
	}

	for _, sink := range c.Triggers.Sinks {
		switch sink {
		case SinkLog, DriverMemory:
		case DriverRedis:
			if c.Triggers.Redis.Address == "" {
				errs = append(errs, errors.New("triggers.redis.address 不能为空"))
			}
		case DriverRabbitMQ:
			if c.Triggers.RabbitMQ.URL == "" {
				errs = append(errs, errors.New("triggers.rabbitmq.url 不能为空"))
			}
		case SinkKafka:
			if len(c.Triggers.Kafka.Brokers) == 0 {
				errs = append(errs, errors.New("triggers.kafka.brokers 不能为空"))
			}
		default:
			errs = append(errs, fmt.Errorf("不支持的触发器输出 %q", sink))
		}
	}
	return errors.Join(errs...)
}

// HasSink 判断是否启用了指定的触发器输出。
func (t TriggersConfig) HasSink(name string) bool {
	for _, s := range t.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
