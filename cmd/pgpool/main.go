package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dbbouncer/pgpool/internal/auth"
	"github.com/dbbouncer/pgpool/internal/config"
	"github.com/dbbouncer/pgpool/internal/failover"
	"github.com/dbbouncer/pgpool/internal/hba"
	"github.com/dbbouncer/pgpool/internal/pipeline"
	"github.com/dbbouncer/pgpool/internal/poolengine"
	"github.com/dbbouncer/pgpool/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "configs/pgpool.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("pgpool starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	hbaSet, err := hba.Load(cfg.HBAFile)
	if err != nil {
		slog.Error("loading hba file", "path", cfg.HBAFile, "error", err)
		os.Exit(1)
	}

	var users map[string]string
	if cfg.Users.File != "" {
		masterKey, err := config.LoadMasterKey(cfg.Users.MasterKeyFile)
		if err != nil {
			slog.Error("loading master key", "error", err)
			os.Exit(1)
		}
		users, err = config.LoadUsers(cfg.Users.File, masterKey)
		if err != nil {
			slog.Error("loading users file", "error", err)
			os.Exit(1)
		}
	}
	backendPassword := func(username string) (string, bool) {
		pw, ok := users[username]
		return pw, ok
	}
	clientCreds := func(username string, method auth.Method) (auth.ClientCredentials, bool) {
		pw, ok := users[username]
		if !ok {
			return auth.ClientCredentials{}, false
		}
		return auth.ClientCredentials{Method: method, Password: pw}, true
	}

	registry := cfg.ServerRegistry()
	limitSet := cfg.LimitSet()

	orch := failover.New(registry, failover.Config{
		Enabled:          cfg.Failover.Enabled,
		ScriptPath:       cfg.Failover.ScriptPath,
		FailureThreshold: cfg.Failover.FailureThreshold,
		OpenTimeout:      cfg.Failover.OpenTimeout,
		ProbeTimeout:     cfg.Failover.ProbeTimeout,
		ScriptTimeout:    cfg.Failover.ScriptTimeout,
	})

	dial := supervisor.NewDialFunc(registry, orch, 0)

	pool := poolengine.New(cfg.Pool.Capacity, limitSet, registry, poolengine.Config{
		IdleTimeout:      cfg.Pool.IdleTimeout,
		MaxConnectionAge: cfg.Pool.MaxConnectionAge,
		BlockingTimeout:  cfg.Pool.BlockingTimeout,
		SweepInterval:    cfg.Pool.SweepInterval,
	}, dial)

	var pl supervisor.Pipeline
	switch cfg.Pipeline.Mode {
	case config.PipelineTransaction:
		pl = &pipeline.Transaction{Pool: pool, BackendPassword: backendPassword}
	default:
		pl = &pipeline.Session{Pool: pool, BackendPassword: backendPassword}
	}

	unixSocketPath := ""
	if cfg.Listen.UnixSocketDir != "" {
		_, port, err := net.SplitHostPort(cfg.Listen.Address)
		if err != nil {
			slog.Error("parsing listen address", "address", cfg.Listen.Address, "error", err)
			os.Exit(1)
		}
		unixSocketPath = filepath.Join(cfg.Listen.UnixSocketDir, ".s.PGSQL."+port)
	}

	sup := supervisor.New(supervisor.Config{
		ListenAddress:  cfg.Listen.Address,
		UnixSocketPath: unixSocketPath,
	}, pool, registry, hbaSet, clientCreds, pl, orch)

	if err := sup.Start(); err != nil {
		slog.Error("starting supervisor", "error", err)
		os.Exit(1)
	}
	slog.Info("pgpool ready", "listen", cfg.Listen.Address, "servers", registry.Len())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("pgpool shutting down")
	sup.Stop()
	slog.Info("pgpool stopped")
}
