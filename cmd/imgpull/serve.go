package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/config"
	"github.com/marmos91/imgpull/pkg/server"
	"github.com/marmos91/imgpull/pkg/store/users"
)

func addRouterFlags(fs *pflag.FlagSet) {
	fs.Int("port", 0, "Control port (default 37777)")
	fs.String("framing", "", "Control channel framing (length, raw)")
}

func addServiceFlags(fs *pflag.FlagSet) {
	fs.String("images", "", "Image directory of the filesystem catalog")
	fs.String("digest", "", "Digest shown by `file ls` (md5, sha256, blake3)")
	fs.String("users-type", "", "User store (file, badger, memory)")
	fs.String("users-file", "", "User record file of the file store")
	fs.Int("data-port", 0, "Data port of `file down` (default 37778)")
	fs.String("escalation", "", "Wrong password policy (none, threshold)")
	fs.Int("max-strikes", 0, "Wrong passwords that ban a record under the threshold policy")
}

func addBusFlags(fs *pflag.FlagSet) {
	fs.String("bus", "", "Bus type (memory, socket)")
	fs.String("bus-network", "", "Bus socket network (unix, tcp)")
	fs.String("bus-address", "", "Bus socket path or host:port")
}

func addMetricsFlags(fs *pflag.FlagSet) {
	fs.Bool("metrics", false, "Expose Prometheus metrics")
	fs.Int("metrics-port", 0, "Metrics HTTP port (default 9090)")
}

// startMetrics runs the metrics endpoint in the background when enabled.
func startMetrics(ctx context.Context, m *config.MetricsResult) func() {
	if m.Server == nil {
		return func() {}
	}
	go func() {
		if err := m.Server.Start(ctx); err != nil {
			logger.Error("Metrics server error: %v", err)
		}
	}()
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Server.Stop(stopCtx)
	}
}

func openUserStore(ctx context.Context, cfg *config.Config) (users.Store, func(), error) {
	store, err := config.CreateUserStore(ctx, &cfg.Users)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Error("Closing user store: %v", err)
		}
	}, nil
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	addRouterFlags(fs)
	addServiceFlags(fs)
	addMetricsFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}

	m := config.InitializeMetrics(cfg)
	defer startMetrics(ctx, m)()

	store, closeStore, err := openUserStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cat, err := config.CreateCatalog(ctx, &cfg.Catalog, m.S3)
	if err != nil {
		return err
	}

	b := config.CreateLocalBus(&cfg.Bus)
	authSvc, err := config.CreateAuthService(cfg, b, store)
	if err != nil {
		return err
	}
	fileSvc, err := config.CreateFileService(cfg, b, cat, m.Transfer)
	if err != nil {
		return err
	}
	router := config.CreateRouter(cfg, b, m.Router, true)

	srv := server.New(b, cfg.Server.ShutdownTimeout)
	if err := srv.AddAdapter(authSvc); err != nil {
		return err
	}
	if err := srv.AddAdapter(fileSvc); err != nil {
		return err
	}
	if err := srv.AddAdapter(router); err != nil {
		return err
	}

	logger.Info("imgpull %s serving on port %d (framing=%s, users=%s, catalog=%s)",
		version, cfg.Router.Port, cfg.Router.Framing, cfg.Users.Type, cfg.Catalog.Type)
	return srv.Serve(ctx)
}

func runRouter(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("router")
	addRouterFlags(fs)
	addBusFlags(fs)
	addMetricsFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}
	if cfg.Bus.Type != "socket" {
		return fmt.Errorf("imgpull router needs bus.type socket (use --bus socket), or run imgpull serve")
	}

	m := config.InitializeMetrics(cfg)
	defer startMetrics(ctx, m)()

	b := config.CreateLocalBus(&cfg.Bus)
	broker := config.CreateBroker(&cfg.Bus, b)
	router := config.CreateRouter(cfg, b, m.Router, false)

	srv := server.New(b, cfg.Server.ShutdownTimeout)
	if err := srv.AddAdapter(broker); err != nil {
		return err
	}
	if err := srv.AddAdapter(router); err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func runAuth(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("auth")
	addServiceFlags(fs)
	addBusFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openUserStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	remote, err := config.DialBus(ctx, &cfg.Bus)
	if err != nil {
		return err
	}
	svc, err := config.CreateAuthService(cfg, remote, store)
	if err != nil {
		_ = remote.Close()
		return err
	}

	srv := server.New(remote, cfg.Server.ShutdownTimeout)
	if err := srv.AddAdapter(svc); err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func runFile(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("file")
	addServiceFlags(fs)
	addBusFlags(fs)
	addMetricsFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}

	m := config.InitializeMetrics(cfg)
	defer startMetrics(ctx, m)()

	cat, err := config.CreateCatalog(ctx, &cfg.Catalog, m.S3)
	if err != nil {
		return err
	}

	remote, err := config.DialBus(ctx, &cfg.Bus)
	if err != nil {
		return err
	}
	svc, err := config.CreateFileService(cfg, remote, cat, m.Transfer)
	if err != nil {
		_ = remote.Close()
		return err
	}

	srv := server.New(remote, cfg.Server.ShutdownTimeout)
	if err := srv.AddAdapter(svc); err != nil {
		return err
	}
	return srv.Serve(ctx)
}
