package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	logPath := filepath.Join(blocked, "sub", "offline-hub.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 5000

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
BasePath = "/learningjournalpwa"
Assets = ["/", "/index.html", "/style.css"]
`, logPath, filepath.Join(dir, "storage")))

	outBuf, _ := useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d", code)
	}
	t.Log(outBuf.String())
}

func TestCheckConfigRejectsSitePort(t *testing.T) {
	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"

[[Site]]
Name = "journal"
Domain = "journal.local"
Upstream = "https://example.github.io"
Port = 8080
`, filepath.Join(t.TempDir(), "storage")))

	_, errBuf := useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, checkOnly: true}); code == 0 {
		t.Fatalf("站点级端口应被拒绝")
	}
	if !strings.Contains(errBuf.String(), "Port") {
		t.Fatalf("错误信息应指出 Port 字段，得到 %s", errBuf.String())
	}
}
