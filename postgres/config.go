package postgres

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 数据库连接配置。
type Config struct {
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	Schema           string
	SSLMode          string // disable / require / verify-ca / verify-full
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
	StatementTimeout time.Duration
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		SSLMode:         "prefer",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// FromEnv 从环境变量加载配置：默认值 -> .env -> 环境变量。
// DATABASE_URL 优先，单项 DB_* 变量可覆盖其中字段。
func FromEnv() (*Config, error) {
	_ = godotenv.Load() // .env 非必需

	cfg := DefaultConfig()

	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		parsed, err := ParseURL(raw)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}

	applyString("DB_HOST", &cfg.Host)
	applyString("DB_USER", &cfg.User)
	applyString("DB_PASSWORD", &cfg.Password)
	applyString("DB_NAME", &cfg.Database)
	applyString("DB_SCHEMA", &cfg.Schema)
	applyString("DB_SSLMODE", &cfg.SSLMode)
	applyInt("DB_PORT", &cfg.Port)
	applyInt("DB_MAX_OPEN_CONNS", &cfg.MaxOpenConns)
	applyInt("DB_MAX_IDLE_CONNS", &cfg.MaxIdleConns)
	applySeconds("DB_STATEMENT_TIMEOUT", &cfg.StatementTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseURL 解析 postgres:// 连接串。options=-csearch_path=xxx 会提取成 Schema。
func ParseURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newError(ErrConfig, "parse database url", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, newError(ErrConfig, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}

	cfg := DefaultConfig()
	if u.Hostname() != "" {
		cfg.Host = u.Hostname()
	}
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.Port = port
		}
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}
	cfg.Database = strings.TrimPrefix(u.Path, "/")

	q := u.Query()
	if v := q.Get("sslmode"); v != "" {
		cfg.SSLMode = v
	}
	if v := q.Get("currentSchema"); v != "" {
		cfg.Schema = v
	}
	if v := q.Get("options"); v != "" {
		// options=-csearch_path=myschema
		const marker = "search_path="
		if idx := strings.Index(v, marker); idx >= 0 {
			schema := v[idx+len(marker):]
			if end := strings.IndexAny(schema, " ,"); end >= 0 {
				schema = schema[:end]
			}
			cfg.Schema = schema
		}
	}
	return cfg, nil
}

// Validate 校验配置。
func (c *Config) Validate() error {
	if c.Host == "" {
		return newError(ErrConfig, "host is required", nil)
	}
	if c.Database == "" {
		return newError(ErrConfig, "database name is required", nil)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return newError(ErrConfig, fmt.Sprintf("invalid port %d", c.Port), nil)
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
	return nil
}

// DSN 生成 lib/pq 接受的键值对连接串。
func (c *Config) DSN() string {
	var b strings.Builder
	write := func(key, value string) {
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", key, quoteDSNValue(value))
	}

	write("host", c.Host)
	write("port", strconv.Itoa(c.Port))
	write("user", c.User)
	write("password", c.Password)
	write("dbname", c.Database)
	write("sslmode", c.SSLMode)
	if c.Schema != "" {
		write("search_path", c.Schema)
	}
	if c.StatementTimeout > 0 {
		write("statement_timeout", strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10))
	}
	return b.String()
}

func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applySeconds(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*target = time.Duration(n) * time.Second
		}
	}
}
