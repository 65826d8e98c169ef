// Package config loads the server's configuration via the teacher's chu
// loader (env + file + external backends), following its layering and
// logging conventions unchanged.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"

	"github.com/pryvgo/core/internal/dispatch"
	"github.com/pryvgo/core/internal/mail"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store        Store        `cfg:"store"`
	Server       Server       `cfg:"server"`
	Mail         mail.Config  `cfg:"mail"`
	Registration Registration `cfg:"registration"`
	Telemetry    tell.Config  `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ServerSecret signs attachment read tokens and password-reset tokens
	// (spec.md §4.5, §4.8). Required; the process refuses to start without it.
	ServerSecret string `cfg:"server_secret" log:"-"`

	// AdminToken protects the /system/* admin endpoints of spec.md §6.
	// If empty, admin endpoints are disabled (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// CacheSize bounds the LRU caches of internal/cache (usernameToID,
	// streamsByUser, accessesByUser), one entry per user per cache.
	CacheSize int `cfg:"cache_size" default:"2000"`

	// ArrayLimit bounds the streamed result builder (C10) of spec.md §4.9.
	ArrayLimit int `cfg:"array_limit" default:"10000"`

	// ProtectedFieldMode selects strict (reject) or lenient (strip) handling
	// of non-alterable update fields, spec.md §4.1 step 3.
	ProtectedFieldMode dispatch.ProtectedFieldMode `cfg:"protected_field_mode" default:"strict"`

	// Alan enables UDP peer discovery for cross-process cache coherence
	// (internal/cluster) across a cluster of server instances.
	Alan *alan.Config `cfg:"alan"`

	// MaintenanceCron schedules the nightly storageUsed recompute job
	// (internal/maintenance), standard 5-field cron syntax.
	MaintenanceCron string `cfg:"maintenance_cron" default:"0 3 * * *"`

	// AttachmentDir is the root directory internal/attachment.FileStore
	// writes event attachment blobs under.
	AttachmentDir string `cfg:"attachment_dir" default:"./data/attachments"`
}

// Registration configures the optional subdomain-registration sub-service
// client consumed by system.createUser.
type Registration struct {
	BaseURL string `cfg:"base_url"`
	Token   string `cfg:"token" log:"-"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("PRYV_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
