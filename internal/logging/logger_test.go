package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/offline-hub/offline-hub/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "offline-hub.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline-hub.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("未知日志级别应返回错误")
	}
}

func TestRequestFieldsMarksCacheHits(t *testing.T) {
	fields := RequestFields("journal", "journal.local", "journal-v1", "static-asset", "cache")
	if fields["cache_hit"] != true {
		t.Fatalf("cache 来源应记为命中")
	}
	fields = RequestFields("journal", "journal.local", "journal-v1", "dynamic-data", "synthesized")
	if fields["cache_hit"] != false {
		t.Fatalf("合成响应不应记为命中")
	}
}

func TestLoggerAddsServiceFields(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info", LogFormat: "json"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("action", "probe").Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("日志应为 JSON: %v (%s)", err, buf.String())
	}
	if line["service"] != ServiceName {
		t.Fatalf("缺少 service 字段: %v", line)
	}
	if line["action"] != "probe" {
		t.Fatalf("自定义字段丢失: %v", line)
	}
}

func TestInitLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "info", LogFormat: "xml"}); err == nil {
		t.Fatalf("未知日志格式应返回错误")
	}
}
