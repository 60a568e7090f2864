package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/config"
	"go.uber.org/zap"
)

func TestOwnerProxy_NilReconciler(t *testing.T) {
	p := &ownerProxy{}
	var a addr.IP6
	if p.IsOwnAddress(a) {
		t.Error("IsOwnAddress should return false before the reconciler is back-filled")
	}
}

func TestServer_GetConfigPath(t *testing.T) {
	s, err := New(&config.Config{}, "/etc/netifbridged/config.yaml", zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := s.GetConfigPath(); got != "/etc/netifbridged/config.yaml" {
		t.Errorf("GetConfigPath() = %s, want /etc/netifbridged/config.yaml", got)
	}
}

func TestServer_GetStatus_BeforeInitialize(t *testing.T) {
	s, err := New(&config.Config{}, "/etc/netifbridged/config.yaml", zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	status := s.GetStatus()
	if status.Running {
		t.Error("Running should be false before Run() is called")
	}
	if status.TUNName != "" {
		t.Errorf("TUNName = %q, want empty before initialize", status.TUNName)
	}
	if len(status.Addresses) != 0 {
		t.Error("Addresses should be empty before initialize")
	}
}

func TestServer_PIDFileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "netifbridged.pid")

	cfg := &config.Config{Daemon: config.DaemonConfig{PIDFile: pidPath}}
	s, err := New(cfg, "", zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.writePIDFile(); err != nil {
		t.Fatalf("writePIDFile() error = %v", err)
	}

	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		t.Fatalf("ReadPIDFile() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, os.Getpid())
	}

	s.removePIDFile()
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("removePIDFile() should have deleted the PID file")
	}
}

func TestReadPIDFile_Missing(t *testing.T) {
	if _, err := ReadPIDFile("/nonexistent/path/netifbridged.pid"); err == nil {
		t.Error("ReadPIDFile() expected error for missing file")
	}
}

func TestServer_Stop_NoCancelFn(t *testing.T) {
	s, err := New(&config.Config{}, "", zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Stop before Run must not panic when cancelFn is unset.
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
