// Package daemon wires the bridge's components (TUN device, reference
// stack, kernel netlink/routing-socket driver, MLD fallback monitor,
// and the reconciler that couples them) into one running process and
// drives the poll loop that keeps them all serviced.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/api"
	"github.com/postalsys/netifbridge/internal/config"
	"github.com/postalsys/netifbridge/internal/eventloop"
	"github.com/postalsys/netifbridge/internal/kernelnet"
	"github.com/postalsys/netifbridge/internal/mld"
	"github.com/postalsys/netifbridge/internal/netmon"
	"github.com/postalsys/netifbridge/internal/reconciler"
	"github.com/postalsys/netifbridge/internal/stack"
	"github.com/postalsys/netifbridge/internal/tun"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ownerProxy breaks the construction cycle between the MLD monitor
// (which needs an OwnAddressChecker at New time) and the reconciler
// (which needs the MLD monitor at New time): it is handed to the MLD
// monitor first and pointed at the reconciler once that exists.
type ownerProxy struct {
	rec *reconciler.Reconciler
}

func (p *ownerProxy) IsOwnAddress(a addr.IP6) bool {
	if p.rec == nil {
		return false
	}
	return p.rec.IsOwnAddress(a)
}

// Server owns the bridge's full component graph for one TUN interface.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	tunDev  tun.Device
	netmonS netmon.Source
	mldMon  mld.Monitor
	kernel  kernelnet.Config
	netStk  *stack.Stack
	rec     *reconciler.Reconciler
	loop    *eventloop.Adapter
	apiSrv  *api.Server
	watcher *config.Watcher

	mu       sync.RWMutex
	running  bool
	cancelFn context.CancelFunc
	started  time.Time
}

// New creates a Server that has not yet acquired any OS resources.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}, nil
}

// Run initializes every component, starts the config file watcher that
// calls Reload on every write to configPath, and drives the poll loop
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	defer cancel()

	if err := s.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer s.removePIDFile()

	if err := s.initialize(); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer s.cleanup()

	watcher, err := config.NewWatcher(s.configPath, s.logger, s.Reload)
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	s.watcher = watcher
	go func() {
		if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
			s.logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	if s.cfg.Daemon.SocketPath != "" {
		s.apiSrv = api.NewServer(s.cfg.Daemon.SocketPath, s, s.logger)
		if err := s.apiSrv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer s.apiSrv.Stop()
	}

	s.started = time.Now()
	s.logger.Info("daemon started",
		zap.String("tun", s.tunDev.Name()),
		zap.Int("mtu", s.tunDev.MTU()),
	)

	return s.pollLoop(ctx)
}

// initialize sets up every component and wires the reconciler between
// them. Order matters: the TUN device must exist before netmon/mld can
// be told its ifIndex, and the reference stack must exist before the
// reconciler can register its callbacks.
func (s *Server) initialize() error {
	var err error

	tunCfg := tun.Config{Name: s.cfg.TUN.Name, MTU: s.cfg.TUN.MTU}
	s.tunDev, err = tun.New(tunCfg)
	if err != nil {
		return fmt.Errorf("failed to create TUN device: %w", err)
	}
	s.logger.Info("TUN device created", zap.String("name", s.tunDev.Name()), zap.Int("index", s.tunDev.Index()))

	s.kernel, err = kernelnet.New(s.logger, s.tunDev.Name())
	if err != nil {
		return fmt.Errorf("failed to create kernel net config driver: %w", err)
	}

	s.netmonS, err = netmon.New(s.logger, s.tunDev.Index())
	if err != nil {
		return fmt.Errorf("failed to create kernel event source: %w", err)
	}

	s.netStk, err = stack.New(s.logger, s.tunDev.MTU())
	if err != nil {
		return fmt.Errorf("failed to create reference stack: %w", err)
	}
	s.netStk.SetEchoMode(s.cfg.Stack.EchoAck)

	handle := reconciler.InterfaceHandle{Name: s.tunDev.Name(), Index: s.tunDev.Index()}

	owner := &ownerProxy{}
	s.mldMon, err = mld.New(s.logger, s.tunDev.Name(), s.tunDev.Index(), owner)
	if err != nil {
		return fmt.Errorf("failed to create MLD monitor: %w", err)
	}

	s.rec = reconciler.New(s.logger, handle, s.tunDev, s.netStk, s.kernel, s.netmonS, s.mldMon)
	owner.rec = s.rec

	s.loop = eventloop.New(s.logger, s.rec, s.tunDev.Fd(), s.netmonS.Fd(), s.mldMon.Fd())

	if prefix, ipNet, err := s.cfg.GetStackPrefix(); err == nil && prefix != nil {
		a, ok := addr.FromNetIP(prefix)
		if ok {
			prefixLen, _ := ipNet.Mask.Size()
			if err := s.netStk.AddUnicastAddress(a, uint8(prefixLen)); err != nil {
				s.logger.Warn("failed to assign configured stack prefix", zap.Error(err))
			}
		}
	}

	return nil
}

// pollLoop drives the three registered fds (tun, kernel events, MLD)
// with unix.Poll until ctx is cancelled or a fatal fd error occurs.
func (s *Server) pollLoop(ctx context.Context) error {
	var set eventloop.FDSet
	s.loop.RegisterReadables(&set)

	pollFds := make([]unix.PollFd, 0, len(set.Read))
	for _, fd := range set.Read {
		pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.Poll(pollFds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		ready := eventloop.Ready{Readable: map[int]bool{}, Errored: map[int]bool{}}
		for _, pfd := range pollFds {
			if pfd.Revents&unix.POLLIN != 0 {
				ready.Readable[int(pfd.Fd)] = true
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				ready.Errored[int(pfd.Fd)] = true
			}
		}

		if err := s.loop.Process(ready); err != nil {
			return fmt.Errorf("event loop: %w", err)
		}
	}
}

func (s *Server) cleanup() {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Warn("error closing config watcher", zap.Error(err))
		}
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.logger.Warn("error closing reconciler", zap.Error(err))
		}
	}
	if s.netStk != nil {
		s.netStk.Close()
	}
}

// Reload applies a new configuration, called either by the config
// watcher on a file write or by the daemon command's SIGHUP handler.
// Interface identity and low-level driver wiring are not
// reconfigurable at runtime; only the reference stack's echo-ack
// behavior is adjusted live.
func (s *Server) Reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.netStk != nil {
		s.netStk.SetEchoMode(cfg.Stack.EchoAck)
	}
	return nil
}

// Stop requests the poll loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelFn != nil {
		s.cancelFn()
	}
	return nil
}

// GetStatus implements api.StateProvider.
func (s *Server) GetStatus() *api.StatusResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := &api.StatusResult{
		Running:    s.running,
		PID:        os.Getpid(),
		ConfigPath: s.configPath,
	}
	if !s.started.IsZero() {
		result.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	if s.tunDev != nil {
		result.TUNName = s.tunDev.Name()
		result.TUNIndex = s.tunDev.Index()
		result.TUNMTU = s.tunDev.MTU()
	}
	if s.netStk != nil {
		result.IP6Enabled = s.netStk.IsIP6Enabled()
		st := s.netStk.Stats()
		result.Stats = api.InterfaceStats{
			PacketsSent:     st.IP.PacketsSent.Value(),
			PacketsReceived: st.IP.PacketsReceived.Value(),
			MalformedRcvd:   st.IP.MalformedPacketsReceived.Value(),
		}
	}
	if s.rec != nil {
		unicast, multicast, linkUp := s.rec.Snapshot()
		result.LinkUp = linkUp
		for _, u := range unicast {
			result.Addresses = append(result.Addresses, api.AddressInfo{
				Address:   u.Addr.String(),
				PrefixLen: u.PrefixLen,
				Origin:    u.Origin.String(),
			})
		}
		for _, m := range multicast {
			result.Multicast = append(result.Multicast, m.Addr.String())
		}
	}
	return result
}

// GetConfigPath implements api.StateProvider.
func (s *Server) GetConfigPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configPath
}

func (s *Server) writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile(s.cfg.Daemon.PIDFile, []byte(strconv.Itoa(pid)), 0644)
}

func (s *Server) removePIDFile() {
	os.Remove(s.cfg.Daemon.PIDFile)
}

// ReadPIDFile reads the PID from a file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
