package runtime

import (
	"testing"
)

// TestAddr tests the --server override
// TestAddr 测试 --server 覆盖
func TestAddr(t *testing.T) {
	original := ServerAddr
	defer func() {
		ServerAddr = original
	}()

	ServerAddr = ""
	if got := Addr("127.0.0.1:11811"); got != "127.0.0.1:11811" {
		t.Errorf("expected config address, got %s", got)
	}

	ServerAddr = "http://10.0.0.1:9000"
	if got := Addr("127.0.0.1:11811"); got != "http://10.0.0.1:9000" {
		t.Errorf("expected override, got %s", got)
	}
}

// TestConfigPath tests the ConfigPath variable
// TestConfigPath 测试 ConfigPath 变量
func TestConfigPath(t *testing.T) {
	originalPath := ConfigPath
	defer func() {
		ConfigPath = originalPath
	}()

	testPath := "/tmp/test_config.yaml"
	ConfigPath = testPath
	if ConfigPath != testPath {
		t.Errorf("ConfigPath should be %s, got %s", testPath, ConfigPath)
	}
}
