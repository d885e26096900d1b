package opensearch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 连接配置。构造后只读，原样转发给 HTTP 传输层。
type Config struct {
	Hosts          []string
	Username       string
	Password       string
	UseSSL         bool
	VerifyCerts    bool
	Timeout        time.Duration
	MaxRetries     int
	RetryOnTimeout bool
	PoolSize       int // 每节点最大空闲连接数
	Headers        map[string]string
	IndexPrefix    string
}

// DefaultConfig 返回默认配置（localhost，https，证书校验开启）。
func DefaultConfig() *Config {
	return &Config{
		Hosts:          []string{"localhost:9200"},
		UseSSL:         true,
		VerifyCerts:    true,
		Timeout:        defaultTimeout,
		MaxRetries:     3,
		RetryOnTimeout: true,
		PoolSize:       defaultPoolSize,
		Headers:        map[string]string{},
	}
}

// FromEnv 从环境变量加载配置：默认值 -> .env -> 环境变量。
func FromEnv() (*Config, error) {
	_ = godotenv.Load() // .env 非必需

	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("OPENSEARCH_HOSTS")); v != "" {
		hosts := strings.Split(v, ",")
		cfg.Hosts = cfg.Hosts[:0]
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Hosts = append(cfg.Hosts, h)
			}
		}
	}

	applyString("OPENSEARCH_USERNAME", &cfg.Username)
	applyString("OPENSEARCH_PASSWORD", &cfg.Password)
	applyString("OPENSEARCH_INDEX_PREFIX", &cfg.IndexPrefix)
	applyBool("OPENSEARCH_USE_SSL", &cfg.UseSSL)
	applyBool("OPENSEARCH_VERIFY_CERTS", &cfg.VerifyCerts)
	applyBool("OPENSEARCH_RETRY_ON_TIMEOUT", &cfg.RetryOnTimeout)
	applyInt("OPENSEARCH_MAX_RETRIES", &cfg.MaxRetries)
	applyInt("OPENSEARCH_POOL_SIZE", &cfg.PoolSize)
	applySeconds("OPENSEARCH_TIMEOUT", &cfg.Timeout)

	// OPENSEARCH_HEADER_X_CUSTOM=v -> X-Custom: v
	for _, kv := range os.Environ() {
		const prefix = "OPENSEARCH_HEADER_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv[len(prefix):], "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := headerName(parts[0])
		cfg.Headers[name] = parts[1]
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验并规范化配置。NewClient 内部亦会调用。
func (c *Config) Validate() error {
	return c.normalize()
}

func (c *Config) normalize() error {
	if len(c.Hosts) == 0 {
		return newError(ErrConfig, "at least one host is required", nil)
	}
	for i, h := range c.Hosts {
		c.Hosts[i] = c.normalizeHost(h)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	return nil
}

// normalizeHost 补全 scheme 并去掉尾部斜杠。
func (c *Config) normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		scheme := "https"
		if !c.UseSSL {
			scheme = "http"
		}
		host = fmt.Sprintf("%s://%s", scheme, host)
	}
	return strings.TrimRight(host, "/")
}

// IndexName 给索引名加上配置的前缀。
func (c *Config) IndexName(name string) string {
	if c.IndexPrefix == "" {
		return name
	}
	return c.IndexPrefix + "_" + name
}

func headerName(envSuffix string) string {
	parts := strings.Split(strings.ToLower(envSuffix), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
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

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
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
