package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nmtunnel/internal/bus"
	"nmtunnel/internal/config"
	"nmtunnel/internal/killswitch"
	"nmtunnel/internal/logging"
	"nmtunnel/internal/nmclient"
	"nmtunnel/internal/notifications"
	"nmtunnel/internal/persistence"
	"nmtunnel/internal/precheck"
	"nmtunnel/internal/tunnel"
)

// Runtime wires the application together: configuration, logging, the
// message bus, persistence, the NetworkManager client and the tunnel state
// machine on top of them.
type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	Journal     *persistence.JournalRepo
	Writer      *persistence.TransitionWriter
	RecordStore *persistence.FileRecordStore

	Client     *nmclient.NMClient
	KillSwitch *killswitch.Manager
	Tunnel     *tunnel.Service
}

func Initialize(parent context.Context) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting nmtunnel runtime", "version", BuildVersion())

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.Journal = persistence.NewJournalRepo(db)

	writer := persistence.NewTransitionWriter(logMgr.Logger("persistence"), rt.Journal, 256)
	writer.Start(ctx)
	rt.Writer = writer
	rt.RecordStore = persistence.NewFileRecordStore(paths.RecordFile)

	rt.Bus = bus.New(logMgr.Logger("bus"))

	client, err := nmclient.New(logMgr.Logger("nmclient"))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize network manager client: %w", err)
	}
	rt.Client = client

	ks, err := killswitch.New(logMgr.Logger("killswitch"))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize kill switch: %w", err)
	}
	rt.KillSwitch = ks

	checker := precheck.NewTCPChecker(logMgr.Logger("precheck"), cfg.Precheck.Timeout())

	rt.Tunnel = tunnel.New(
		logMgr.Logger("tunnel"),
		rt.Bus,
		client,
		rt.RecordStore,
		checker,
		writer,
		cfg.Tunnel,
		cfg.Precheck,
	)
	if err := rt.Tunnel.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("start tunnel service: %w", err)
	}

	notifier := NewNotificationService(rt.Bus, rt.CurrentConfig, notifications.NewDesktopSender(logMgr.Logger("notifications")), logMgr.Logger("app.notifications"))
	notifier.Start(ctx)

	if cfg.KillSwitch.Enabled {
		if err := ks.Enable(cfg.KillSwitch.Permanent); err != nil {
			slog.Warn("enable kill switch on startup", "error", err)
		}
	}

	return rt, nil
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// SaveAndApplyConfig persists cfg and reconfigures the parts of the runtime
// that react to config changes without a restart.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	if err := r.LogManager.Configure(cfg.Logging, r.Paths.LogFile); err != nil {
		return err
	}

	if r.KillSwitch != nil {
		var err error
		if cfg.KillSwitch.Enabled {
			err = r.KillSwitch.Enable(cfg.KillSwitch.Permanent)
		} else {
			err = r.KillSwitch.Disable()
		}
		if err != nil {
			return fmt.Errorf("apply kill switch config: %w", err)
		}
	}

	return nil
}

// ClearJournal removes all recorded transitions.
func (r *Runtime) ClearJournal() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := persistence.ClearJournal(ctx, r.DB); err != nil {
		return err
	}
	slog.Info("transition journal cleared")

	return nil
}

func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.Client != nil {
		_ = r.Client.Close()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}
	return nil
}
