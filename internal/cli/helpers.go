package cli

import (
	"fmt"

	"github.com/postalsys/netifbridge/internal/api"
	"github.com/postalsys/netifbridge/internal/config"
)

// loadConfig loads the configuration file from the global cfgFile path.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// DaemonAPIClient wraps the API client with helper methods for querying
// a running daemon over its control socket.
type DaemonAPIClient struct {
	client  *api.Client
	running bool
}

// newDaemonAPIClient creates a new daemon API client from the config.
func newDaemonAPIClient(cfg *config.Config) *DaemonAPIClient {
	client := api.NewClient(cfg.Daemon.SocketPath)
	return &DaemonAPIClient{
		client:  client,
		running: client.IsRunning(),
	}
}

// IsRunning returns true if the daemon is running and accessible.
func (d *DaemonAPIClient) IsRunning() bool {
	return d.running
}

// Status fetches the daemon's current status over the control socket.
func (d *DaemonAPIClient) Status() (*api.StatusResult, error) {
	if !d.running {
		return nil, fmt.Errorf("daemon is not running")
	}
	return d.client.Status()
}
