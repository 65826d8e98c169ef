package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/pryvgo/core/internal/attachment"
	"github.com/pryvgo/core/internal/audit"
	"github.com/pryvgo/core/internal/auth"
	"github.com/pryvgo/core/internal/cache"
	"github.com/pryvgo/core/internal/cluster"
	"github.com/pryvgo/core/internal/config"
	"github.com/pryvgo/core/internal/dispatch"
	"github.com/pryvgo/core/internal/maintenance"
	"github.com/pryvgo/core/internal/mail"
	"github.com/pryvgo/core/internal/password"
	"github.com/pryvgo/core/internal/pubsub"
	"github.com/pryvgo/core/internal/registration"
	"github.com/pryvgo/core/internal/server"
	"github.com/pryvgo/core/internal/store"
	"github.com/pryvgo/core/internal/store/memory"
	"github.com/pryvgo/core/internal/store/postgres"
	"github.com/pryvgo/core/internal/store/sqlite3"
)

var (
	name    = "pryv-core"
	version = "v0.0.0"
)

// bcryptCost matches the teacher's default work factor for interactive
// password hashing; high enough to resist offline attack, low enough not
// to stall account creation under load.
const bcryptCost = 12

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Server.ServerSecret == "" {
		return fmt.Errorf("server.server_secret is required")
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	c, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}

	local := pubsub.NewLocal()
	var bus pubsub.Bus = local
	var locker maintenance.Locker
	if c != nil {
		bridged := pubsub.NewBridged(local, c)
		bus = bridged
		locker = c
		defer c.Stop()
	}

	cch, err := cache.New(cfg.Server.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	go cache.Listen(ctx, bus, cch)

	authResolver := auth.New(st, cch)

	var mailer mail.Mailer = mail.NoopMailer{}
	if cfg.Mail.Host != "" {
		mailer = mail.New(cfg.Mail)
	}

	dispatch.SetPasswordHasher(password.NewBcryptHasher(bcryptCost))

	blobs, err := attachment.NewFileStore(cfg.Server.AttachmentDir)
	if err != nil {
		return fmt.Errorf("failed to create attachment store: %w", err)
	}

	var registrationNotifier dispatch.RegistrationNotifier
	if cfg.Registration.BaseURL != "" {
		regClient, err := registration.New(cfg.Registration.BaseURL, cfg.Registration.Token)
		if err != nil {
			return fmt.Errorf("failed to create registration client: %w", err)
		}
		registrationNotifier = regClient
	}

	var auditLogger audit.Logger = audit.NoopLogger{}
	if cfg.LogLevel == "debug" {
		auditLogger = audit.SlogLogger{}
	}

	deps := &dispatch.Deps{
		Store:              st,
		Cache:              cch,
		Auth:               authResolver,
		Bus:                bus,
		ArrayLimit:         cfg.Server.ArrayLimit,
		ProtectedFieldMode: cfg.Server.ProtectedFieldMode,
		ServerSecret:       []byte(cfg.Server.ServerSecret),
		Mailer:             mailer,
		Registration:       registrationNotifier,
		Audit:              auditLogger,
	}

	if c != nil {
		onRotateKey := func(newKey []byte) {
			slog.Info("cluster: received rotated server secret")
			deps.ServerSecret = newKey
		}
		go func() {
			if err := c.Start(ctx, onRotateKey, bus.(*pubsub.BridgedBus).OnClusterMessage); err != nil {
				slog.Error("cluster: stopped", "error", err)
			}
		}()
	}

	reg := dispatch.NewRegistry(deps)
	dispatch.RegisterAll(reg)

	job := maintenance.New(st, locker, cfg.Server.MaintenanceCron)
	if err := job.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance job: %w", err)
	}
	defer job.Stop()

	srv := server.New(cfg.Server, reg, blobs, bus)
	return srv.Start(ctx)
}

// openStore picks the configured backend, preferring postgres, then sqlite,
// falling back to the in-memory store for local development and tests.
func openStore(ctx context.Context, cfg *config.Config) (store.Storer, func(), error) {
	switch {
	case cfg.Store.Postgres != nil:
		pg, err := postgres.New(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case cfg.Store.SQLite != nil:
		sq, err := sqlite3.New(ctx, cfg.Store.SQLite)
		if err != nil {
			return nil, nil, err
		}
		return sq, sq.Close, nil
	default:
		slog.Warn("no store configured, using in-memory store (data is lost on restart)")
		return memory.New(), func() {}, nil
	}
}
