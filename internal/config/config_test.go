package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		content := `
tun:
  name: wpan0
  mtu: 1280
stack:
  prefix: "fd00:200::/64"
`
		path := writeTempConfig(t, content)
		defer os.Remove(path)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.TUN.Name != "wpan0" {
			t.Errorf("TUN.Name = %v, want wpan0", cfg.TUN.Name)
		}
		if cfg.TUN.MTU != 1280 {
			t.Errorf("TUN.MTU = %v, want 1280", cfg.TUN.MTU)
		}
		if cfg.Stack.Prefix != "fd00:200::/64" {
			t.Errorf("Stack.Prefix = %v", cfg.Stack.Prefix)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := Load("/nonexistent/path/config.yaml")
		if err == nil {
			t.Error("expected error for nonexistent file")
		}
	})

	t.Run("invalid YAML", func(t *testing.T) {
		content := `
tun:
  name: [invalid yaml
  mtu: not a number
`
		path := writeTempConfig(t, content)
		defer os.Remove(path)

		_, err := Load(path)
		if err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, "{}\n")
	defer os.Remove(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.PIDFile != "/var/run/netifbridged.pid" {
		t.Errorf("Daemon.PIDFile = %v", cfg.Daemon.PIDFile)
	}
	if cfg.Daemon.SocketPath != "/var/run/netifbridged.sock" {
		t.Errorf("Daemon.SocketPath = %v", cfg.Daemon.SocketPath)
	}
	if cfg.TUN.Name != "wpan%d" {
		t.Errorf("TUN.Name = %v, want wpan%%d", cfg.TUN.Name)
	}
	if cfg.TUN.MTU != 1280 {
		t.Errorf("TUN.MTU = %v, want 1280", cfg.TUN.MTU)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid minimal config",
			config:  "tun:\n  mtu: 1280\n",
			wantErr: false,
		},
		{
			name:    "MTU too low",
			config:  "tun:\n  mtu: 100\n",
			wantErr: true,
			errMsg:  "tun.mtu must be between",
		},
		{
			name:    "MTU too high",
			config:  "tun:\n  mtu: 9000\n",
			wantErr: true,
			errMsg:  "tun.mtu must be between",
		},
		{
			name:    "invalid stack prefix",
			config:  "stack:\n  prefix: not-a-cidr\n",
			wantErr: true,
			errMsg:  "invalid stack.prefix",
		},
		{
			name:    "IPv4 stack prefix rejected",
			config:  "stack:\n  prefix: 10.0.0.0/24\n",
			wantErr: true,
			errMsg:  "must be an IPv6 prefix",
		},
		{
			name:    "valid config with stack prefix",
			config:  "stack:\n  prefix: \"fd00:200::/64\"\n",
			wantErr: false,
		},
		{
			name:    "bad logging level",
			config:  "logging:\n  level: verbose\n",
			wantErr: true,
			errMsg:  "logging.level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.config)
			defer os.Remove(path)

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want to contain %q", err, tt.errMsg)
				}
			}
		})
	}
}

func TestGetStackPrefix(t *testing.T) {
	t.Run("with prefix", func(t *testing.T) {
		cfg := &Config{Stack: StackConfig{Prefix: "fd00:200::/64"}}

		ip, ipNet, err := cfg.GetStackPrefix()
		if err != nil {
			t.Fatalf("GetStackPrefix() error = %v", err)
		}
		if ip.String() != "fd00:200::" {
			t.Errorf("IP = %v", ip)
		}
		if ipNet.String() != "fd00:200::/64" {
			t.Errorf("IPNet = %v", ipNet)
		}
	})

	t.Run("empty prefix", func(t *testing.T) {
		cfg := &Config{}

		ip, ipNet, err := cfg.GetStackPrefix()
		if err != nil {
			t.Fatalf("GetStackPrefix() error = %v", err)
		}
		if ip != nil || ipNet != nil {
			t.Error("expected nil for empty prefix")
		}
	})
}

// --- Watcher Tests ---

func TestNewWatcher(t *testing.T) {
	path := writeTempConfig(t, "tun:\n  name: wpan0\n")
	defer os.Remove(path)

	watcher, err := NewWatcher(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	cfg := watcher.Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.TUN.Name != "wpan0" {
		t.Errorf("TUN.Name = %v", cfg.TUN.Name)
	}
}

func TestNewWatcherInvalidConfig(t *testing.T) {
	_, err := NewWatcher("/nonexistent/config.yaml", zap.NewNop(), nil)
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestWatcherGet(t *testing.T) {
	path := writeTempConfig(t, "tun:\n  name: test-wpan\n  mtu: 1400\n")
	defer os.Remove(path)

	watcher, err := NewWatcher(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			cfg := watcher.Get()
			if cfg.TUN.Name != "test-wpan" {
				t.Errorf("TUN.Name = %v", cfg.TUN.Name)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestWatcherFileChange(t *testing.T) {
	path := writeTempConfig(t, "tun:\n  name: wpan0\n  mtu: 1280\n")
	defer os.Remove(path)

	reloadCalled := make(chan bool, 1)
	onChangeFn := func(cfg *Config) error {
		reloadCalled <- true
		return nil
	}

	watcher, err := NewWatcher(path, zap.NewNop(), onChangeFn)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("tun:\n  name: wpan1\n  mtu: 1400\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case <-reloadCalled:
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for reload callback")
	}

	cfg := watcher.Get()
	if cfg.TUN.Name != "wpan1" {
		t.Errorf("TUN.Name = %v, want wpan1", cfg.TUN.Name)
	}
}

func TestWatcherClose(t *testing.T) {
	path := writeTempConfig(t, "tun:\n  name: wpan0\n")
	defer os.Remove(path)

	watcher, err := NewWatcher(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// --- Helper Functions ---

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}
