package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	History   HistoryConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	Task      TaskConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type StoreConfig struct {
	Path            string
	TimestampMarker string
}

type HistoryConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Password   string
	DB         int
	TTLMinutes int
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type PipelineConfig struct {
	TopK          int
	JudgePauseSec int
	FailClosed    bool
}

type TaskConfig struct {
	RetentionMinutes int
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/docsage")

	viper.SetEnvPrefix("DOCSAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 300)
	viper.SetDefault("server.bodyLimit", 16777216)

	viper.SetDefault("store.path", "./data/chunks")
	viper.SetDefault("store.timestampMarker", "Ref No. and Date:")

	viper.SetDefault("history.path", "./data/history.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlMinutes", 60)

	viper.SetDefault("llm.baseURL", "http://localhost:11434/v1")
	viper.SetDefault("llm.apiKey", "unused")
	viper.SetDefault("llm.model", "qwen3:30b")
	viper.SetDefault("llm.embeddingModel", "nomic-embed-text")
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 120)

	viper.SetDefault("pipeline.topK", 4)
	viper.SetDefault("pipeline.judgePauseSec", 12)
	viper.SetDefault("pipeline.failClosed", false)

	viper.SetDefault("task.retentionMinutes", 60)

	viper.SetDefault("ratelimit.maxRequestsPerMinute", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
