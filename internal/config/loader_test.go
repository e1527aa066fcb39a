package config

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
InstallTimeout = "boom"

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsNumericSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = 12

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 12*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", loaded.Global.UpstreamTimeout.DurationValue())
	}
	if loaded.Sites[0].FallbackPath != "/index.html" {
		t.Fatalf("FallbackPath 默认值应为 /index.html")
	}
}

func TestLoadRejectsSiteLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
Port = 6000
`
	_, err := Load(writeTempConfig(t, cfg))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Site[journal].Port" {
		t.Fatalf("站点级 Port 应被拒绝，得到 %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./data"

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
CacheVersion = "v1"
`)

	changes := make(chan *Config, 4)
	if _, err := Watch(path, func(cfg *Config) { changes <- cfg }, nil); err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	updated := `
StoragePath = "./data"

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
CacheVersion = "v2"
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Sites[0].GenerationName() == "journal-v2" {
				return
			}
		case <-deadline:
			t.Fatalf("未收到配置变更回调")
		}
	}
}
