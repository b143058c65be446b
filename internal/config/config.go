package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量覆盖前缀，键由字段名推导，如 WEBREQ_LOG_LEVEL、WEBREQ_BROWSER_DEV_TOOLS_URL
const EnvPrefix = "WEBREQ"

// SqliteConfig 存储配置
type SqliteConfig struct {
	Dsn    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
	File   string   `yaml:"file"`
}

// BrowserConfig 浏览器及标签页令牌配置
type BrowserConfig struct {
	DevToolsURL  string `yaml:"devToolsURL" split_words:"true"`
	MajorVersion string `yaml:"majorVersion" split_words:"true"`
	AppVersion   string `yaml:"appVersion" split_words:"true"`
}

// InterceptConfig 拦截器配置
type InterceptConfig struct {
	Schemes            []string `yaml:"schemes"`
	DOMQueryTimeoutMS  int      `yaml:"domQueryTimeoutMS" split_words:"true"`
	AllowExtendedTypes bool     `yaml:"allowExtendedTypes" split_words:"true"`
}

// MetricsConfig 指标导出配置，Addr 为空时不启动
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config 配置文件结构体
type Config struct {
	Version   string          `yaml:"version"`
	Sqlite    SqliteConfig    `yaml:"sqlite"`
	Log       LogConfig       `yaml:"log"`
	Browser   BrowserConfig   `yaml:"browser"`
	Intercept InterceptConfig `yaml:"intercept"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scripts   []string        `yaml:"scripts"`
	Rules     []string        `yaml:"rules"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:    "db.sqlite3",
			Prefix: "cdpwebreq_",
		},
		Log: LogConfig{
			Level:  "debug",
			Writer: []string{"console", "file"},
			File:   "logs/cdpwebreq.log",
		},
		Browser: BrowserConfig{
			DevToolsURL:  "http://127.0.0.1:9222",
			MajorVersion: "17",
			AppVersion:   "1.0",
		},
		Intercept: InterceptConfig{
			Schemes:           []string{"http", "https"},
			DOMQueryTimeoutMS: 500,
		},
	}
}

// Load 读取 YAML 配置文件并应用环境变量覆盖；path 为空时只使用默认值
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	majorRe   = regexp.MustCompile(`^[0-9]+$`)
	versionRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if len(c.Intercept.Schemes) == 0 {
		errs = append(errs, errors.New("intercept.schemes must not be empty"))
	}
	if !majorRe.MatchString(c.Browser.MajorVersion) {
		errs = append(errs, fmt.Errorf("browser.majorVersion %q must be numeric", c.Browser.MajorVersion))
	}
	if !versionRe.MatchString(c.Browser.AppVersion) {
		errs = append(errs, fmt.Errorf("browser.appVersion %q must be dotted numeric", c.Browser.AppVersion))
	}
	if c.Intercept.DOMQueryTimeoutMS < 0 {
		errs = append(errs, errors.New("intercept.domQueryTimeoutMS must not be negative"))
	}
	return errors.Join(errs...)
}

// DOMQueryTimeout 返回 DOM 兜底查询的超时
func (c *Config) DOMQueryTimeout() time.Duration {
	return time.Duration(c.Intercept.DOMQueryTimeoutMS) * time.Millisecond
}
