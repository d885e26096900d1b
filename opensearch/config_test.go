package opensearch

import (
	"testing"
	"time"
)

func TestConfigNormalizeHosts(t *testing.T) {
	cfg := &Config{
		Hosts:  []string{"node1:9200", "http://node2:9200/", "https://node3:9200"},
		UseSSL: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	want := []string{"https://node1:9200", "http://node2:9200", "https://node3:9200"}
	for i, h := range cfg.Hosts {
		if h != want[i] {
			t.Errorf("host[%d] = %s, want %s", i, h, want[i])
		}
	}
}

func TestConfigSchemeFollowsUseSSL(t *testing.T) {
	cfg := &Config{Hosts: []string{"node1:9200"}, UseSSL: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Hosts[0] != "http://node1:9200" {
		t.Errorf("host = %s, want http scheme", cfg.Hosts[0])
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{Hosts: []string{"localhost:9200"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.PoolSize != defaultPoolSize {
		t.Errorf("PoolSize = %d, want %d", cfg.PoolSize, defaultPoolSize)
	}
}

func TestConfigNoHosts(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty hosts should fail validation")
	}
}

func TestConfigIndexPrefix(t *testing.T) {
	cfg := &Config{Hosts: []string{"localhost:9200"}, IndexPrefix: "staging"}
	if got := cfg.IndexName("products"); got != "staging_products" {
		t.Errorf("IndexName = %s, want staging_products", got)
	}

	cfg.IndexPrefix = ""
	if got := cfg.IndexName("products"); got != "products" {
		t.Errorf("IndexName without prefix = %s, want products", got)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OPENSEARCH_HOSTS", "node1:9200, node2:9200")
	t.Setenv("OPENSEARCH_USERNAME", "admin")
	t.Setenv("OPENSEARCH_USE_SSL", "false")
	t.Setenv("OPENSEARCH_TIMEOUT", "60")
	t.Setenv("OPENSEARCH_HEADER_X_CUSTOM_TAG", "v1")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(cfg.Hosts) != 2 || cfg.Hosts[0] != "http://node1:9200" {
		t.Errorf("Hosts = %v", cfg.Hosts)
	}
	if cfg.Username != "admin" {
		t.Errorf("Username = %s", cfg.Username)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
	if cfg.Headers["X-Custom-Tag"] != "v1" {
		t.Errorf("Headers = %v, want X-Custom-Tag", cfg.Headers)
	}
}
