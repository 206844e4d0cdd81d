// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Turn     TurnConfig     `mapstructure:"turn"`
	Roles    RolesConfig    `mapstructure:"roles"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// StoreConfig 选择记录存储的实现：mysql 或 memory。
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Redis 负责跨实例的房间广播。
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Brokers    string `mapstructure:"brokers"`
	TaskTopic  string `mapstructure:"task_topic"`
	EventTopic string `mapstructure:"event_topic"`
	GroupID    string `mapstructure:"group_id"`
	// RetryBackoff 是任务失败后原地重试的基础间隔，第 n 次重试等待 n 倍。
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// LLMConfig 存储生成服务（OpenAI 兼容接口）相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// TurnConfig 控制回合编排的行为。
type TurnConfig struct {
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	AdminEvery        int           `mapstructure:"admin_every"`
	SerializePerRoom  bool          `mapstructure:"serialize_per_room"`
}

// RolesConfig 定义特殊角色的名字以及房间就绪的最小人数。
type RolesConfig struct {
	Narrator  string `mapstructure:"narrator"`
	Admin     string `mapstructure:"admin"`
	MinRoster int    `mapstructure:"min_roster"`
}

// setDefaults 为每个键登记默认值，AutomaticEnv 只会覆盖已登记的键。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.enabled", false)
	v.SetDefault("database.redis.addr", "127.0.0.1:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("database.redis.channel", "chatroom:rooms")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "127.0.0.1:9092")
	v.SetDefault("kafka.task_topic", "chatroom-turn-tasks")
	v.SetDefault("kafka.event_topic", "chatroom-turn-events")
	v.SetDefault("kafka.group_id", "chat-room-go-consumer")
	v.SetDefault("kafka.retry_backoff", "2s")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://open.bigmodel.cn/api/paas/v4")
	v.SetDefault("llm.model", "glm-4.6")
	v.SetDefault("llm.timeout", 90*time.Second)
	v.SetDefault("llm.generation.top_p", 0)
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 4096)
	v.SetDefault("turn.generation_timeout", 60*time.Second)
	v.SetDefault("turn.max_attempts", 1)
	v.SetDefault("turn.retry_backoff", 500*time.Millisecond)
	v.SetDefault("turn.history_limit", 0)
	v.SetDefault("turn.admin_every", 1)
	v.SetDefault("turn.serialize_per_room", false)
	v.SetDefault("roles.narrator", "旁白")
	v.SetDefault("roles.admin", "ai管理员")
	v.SetDefault("roles.min_roster", 3)
}

// Load 读取指定路径的 YAML 文件（可为空）并叠加环境变量，返回解析后的配置。
// 环境变量使用 CHATROOM_ 前缀，层级以下划线分隔，例如 CHATROOM_LLM_API_KEY。
func Load(configPath string) (Config, error) {
	var cfg Config

	// .env 文件是可选的
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHATROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if cfg.Turn.MaxAttempts < 1 {
		cfg.Turn.MaxAttempts = 1
	}
	if cfg.Turn.AdminEvery < 1 {
		cfg.Turn.AdminEvery = 1
	}
	return cfg, nil
}

// Init 初始化配置加载，结果写入全局变量 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
