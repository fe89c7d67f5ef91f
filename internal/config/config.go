// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Engine    EngineConfig    `yaml:"engine"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	// Driver 数据库驱动：postgres 或 sqlite 或 mongo
	Driver  string `yaml:"driver"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
	// Path SQLite 数据库文件路径（driver=sqlite 时使用）
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

type MinIOConfig struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	UseSSL   bool   `yaml:"use_ssl"`
}

// PipelinesConfig 流水线定义的来源配置
type PipelinesConfig struct {
	// Source 定义来源：file 或 etcd
	Source string `yaml:"source"`
	// Dir 文件模式下的定义目录，每个命名空间一个 <ns>.yaml
	Dir string `yaml:"dir"`
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	// DefaultTimeout 单次执行的默认安全超时
	DefaultTimeout time.Duration `yaml:"-"`
	// ShutdownGrace 进程关闭时等待在途执行落库的宽限期
	ShutdownGrace time.Duration `yaml:"-"`
	// LogDir 步骤日志的本地暂存目录
	LogDir string `yaml:"log_dir"`
}

// UnmarshalYAML 支持 "1h30m" 形式的时长字符串
func (e *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultTimeout string `yaml:"default_timeout"`
		ShutdownGrace  string `yaml:"shutdown_grace"`
		LogDir         string `yaml:"log_dir"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.DefaultTimeout != "" {
		d, err := time.ParseDuration(raw.DefaultTimeout)
		if err != nil {
			return fmt.Errorf("engine.default_timeout: %w", err)
		}
		e.DefaultTimeout = d
	}
	if raw.ShutdownGrace != "" {
		d, err := time.ParseDuration(raw.ShutdownGrace)
		if err != nil {
			return fmt.Errorf("engine.shutdown_grace: %w", err)
		}
		e.ShutdownGrace = d
	}
	if raw.LogDir != "" {
		e.LogDir = raw.LogDir
	}
	return nil
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string
	DatabaseURL    string
	MongoURL       string
	MongoDatabase  string
	RedisURL       string
	EtcdEndpoints  []string
	EtcdPrefix     string
	APIPort        string
	MinIO          MinIOConfig
	MinIOAccessKey string
	MinIOSecretKey string
	Pipelines      PipelinesConfig
	Engine         EngineConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	dbPassword := getEnv("DB_PASSWORD", "deploy_dev_password")

	// 构建最终配置
	cfg := &Config{
		Env:            env,
		DatabaseDriver: yamlCfg.Database.Driver,
		DatabaseURL:    buildDatabaseURL(yamlCfg.Database, dbPassword),
		MongoURL:       getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase:  getEnv("MONGO_DATABASE", "deploy_admin"),
		RedisURL:       buildRedisURL(yamlCfg.Redis),
		EtcdEndpoints:  yamlCfg.Etcd.Endpoints,
		EtcdPrefix:     yamlCfg.Etcd.Prefix,
		APIPort:        yamlCfg.Server.Port,
		MinIO:          yamlCfg.MinIO,
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		Pipelines:      yamlCfg.Pipelines,
		Engine:         yamlCfg.Engine,
	}

	// 验证并填充引擎默认值
	cfg.Engine.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:    ServerConfig{Port: "8080"},
		Database:  DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "deploy", Name: "deploy_admin", SSLMode: "disable", Path: "data/deploy-admin.db"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:      EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/deploy"},
		MinIO:     MinIOConfig{Endpoint: "localhost:9000", Bucket: "deploy-logs"},
		Pipelines: PipelinesConfig{Source: "file", Dir: "pipelines"},
		Engine: EngineConfig{
			DefaultTimeout: time.Hour,
			ShutdownGrace:  10 * time.Second,
			LogDir:         "data/logs",
		},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildDatabaseURL 构建数据库连接字符串
// sqlite 驱动直接返回文件路径
func buildDatabaseURL(db DatabaseConfig, password string) string {
	if db.Driver == "sqlite" {
		return db.Path
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), c.RedisURL)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充引擎默认值
func (e *EngineConfig) validate() {
	if e.DefaultTimeout <= 0 {
		e.DefaultTimeout = time.Hour
	}
	if e.ShutdownGrace <= 0 {
		e.ShutdownGrace = 10 * time.Second
	}
	if e.LogDir == "" {
		e.LogDir = "data/logs"
	}
}
