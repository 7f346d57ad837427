package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/consul"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/mongo"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/postgres"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/drivers/sqlite"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
	kvconsul "github.com/arketec/migrate-consul/pkg/consulmigrate/kv/consul"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/metrics"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/scaffold"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/script"
)

const envPrefix = "MIGRATE_CONSUL"

// globalFlags хранит значения общих флагов.
// globalFlags holds the persistent flag values.
type globalFlags struct {
	configPath string
	path       string
	token      string
	debug      bool
	timeout    time.Duration
}

// app хранит всё, что нужно командам: конфигурацию, логгер и фабрики.
// Назначение: без глобального состояния; тесты подменяют фабрики.
// app holds what commands share: config, logger and factories.
// Purpose: no global state; tests swap the factories.
type app struct {
	out    io.Writer
	errOut io.Writer
	flags  globalFlags

	cfg consulmigrate.Config
	log *zap.Logger

	clock   clock.Clock
	newKV   func(cfg consulmigrate.Config) (kv.Store, error)
	drivers map[string]consulmigrate.Driver
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:    out,
		errOut: errOut,
		cfg:    consulmigrate.DefaultConfig(),
		log:    zap.NewNop(),
		clock:  clock.New(),
		newKV: func(cfg consulmigrate.Config) (kv.Store, error) {
			return kvconsul.New(kvconsul.Config{
				Address:    cfg.Consul.Address,
				Scheme:     cfg.Consul.Scheme,
				Token:      cfg.ConsulToken(),
				Datacenter: cfg.Consul.Datacenter,
			})
		},
		drivers: map[string]consulmigrate.Driver{
			"consul":   consul.New(),
			"postgres": postgres.New(),
			"sqlite":   sqlite.New(),
			"mongo":    mongo.New(),
		},
	}
}

// newLogger строит консольный логгер с временем RFC3339 в UTC.
// Вход: writer, флаг debug.
// Выход: *zap.Logger.
// newLogger builds a console logger with RFC3339 UTC timestamps.
func newLogger(w io.Writer, debug bool) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// loadConfig читает .env, файл конфигурации и переменные MIGRATE_CONSUL_*.
// Вход: значения общих флагов.
// Выход: итоговая конфигурация или error.
// Назначение: порядок приоритета: флаги, env, файл, значения по умолчанию.
// loadConfig reads .env, the config file and MIGRATE_CONSUL_* variables.
// Input: persistent flag values.
// Output: resolved config or error.
// Purpose: precedence is flags, env, file, then defaults.
func loadConfig(flags globalFlags) (consulmigrate.Config, error) {
	dir := pickEnv(envPrefix+"_CONFIG_PATH", flags.configPath)
	if dir == "" {
		dir = "."
	}

	// a missing .env is fine
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return consulmigrate.Config{}, merrors.Wrap(merrors.EInvalidOperation, "loadConfig", err)
	}

	v := viper.New()
	setDefaults(v, consulmigrate.DefaultConfig())
	v.SetConfigName(strings.TrimSuffix(scaffold.ConfigFileName, filepath.Ext(scaffold.ConfigFileName)))
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return consulmigrate.Config{}, merrors.Wrap(merrors.EInvalidOperation, "loadConfig", err)
		}
	}

	var cfg consulmigrate.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return consulmigrate.Config{}, merrors.Wrap(merrors.EInvalidOperation, "loadConfig", err)
	}

	if flags.path != "" {
		cfg.MigrationsDirectory = flags.path
	} else if cfg.MigrationsDirectory != "" && !filepath.IsAbs(cfg.MigrationsDirectory) {
		cfg.MigrationsDirectory = filepath.Join(dir, cfg.MigrationsDirectory)
	}
	if flags.token != "" {
		cfg.Consul.Token = flags.token
	}
	if flags.debug {
		cfg.Debug = true
	}
	cfg.Consul.Address = pickEnv("CONSUL_HTTP_ADDR", cfg.Consul.Address)
	if cfg.Database.Driver == "postgres" && cfg.DSN() == "" {
		cfg.Database.DSN = buildPostgresDSNFromEnv()
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN != "" && !filepath.IsAbs(cfg.Database.DSN) && !strings.Contains(cfg.Database.DSN, ":") {
		cfg.Database.DSN = filepath.Join(dir, cfg.Database.DSN)
	}
	return cfg, cfg.Validate()
}

// setDefaults registers every key so that environment variables reach
// Unmarshal even when the config file does not name them.
func setDefaults(v *viper.Viper, cfg consulmigrate.Config) {
	for key, value := range map[string]interface{}{
		"migrationsDirectory": cfg.MigrationsDirectory,
		"environment":         cfg.Environment,
		"sampleSuffix":        cfg.SampleSuffix,
		"debug":               cfg.Debug,
		"consul.address":      cfg.Consul.Address,
		"consul.scheme":       cfg.Consul.Scheme,
		"consul.datacenter":   cfg.Consul.Datacenter,
		"consul.token":        cfg.Consul.Token,
		"consul.tokenEnvVar":  cfg.Consul.TokenEnvVar,
		"consul.lockTTL":      cfg.Consul.LockTTL,
		"consul.lockPrefix":   cfg.Consul.LockPrefix,
		"database.driver":     cfg.Database.Driver,
		"database.dsn":        cfg.Database.DSN,
		"database.dsnEnvVar":  cfg.Database.DSNEnvVar,
		"database.name":       cfg.Database.Name,
		"diff.mode":           cfg.Diff.Mode,
		"diff.maxLength":      cfg.Diff.MaxLength,
		"diff.color":          cfg.Diff.Color,
		"metrics.pushgateway": cfg.Metrics.Pushgateway,
		"metrics.job":         cfg.Metrics.Job,
	} {
		v.SetDefault(key, value)
	}
}

// session is one opened set of stores for a command.
type session struct {
	runner  *consulmigrate.Runner
	kv      kv.Store
	metrics *metrics.Metrics
	close   func()
}

// openRepository opens the record store named by driver. The consul driver
// shares store instead of dialing again.
func (a *app) openRepository(ctx context.Context, cfg consulmigrate.Config, store kv.Store) (consulmigrate.Repository, error) {
	if cfg.Database.Driver == "consul" && store != nil {
		return consul.NewRepository(store, kv.LockConfig{Prefix: cfg.Consul.LockPrefix, TTL: cfg.Consul.LockTTL}, a.log), nil
	}
	d, ok := a.drivers[cfg.Database.Driver]
	if !ok {
		return nil, merrors.New(merrors.EInvalidOperation, "unsupported driver: %s", cfg.Database.Driver)
	}
	return d.Open(ctx, cfg, a.log)
}

// open подключается к Consul и хранилищу записей и собирает Runner.
// Вход: ctx.
// Выход: session с функцией закрытия или error.
// Назначение: общая подготовка для команд, работающих с миграциями.
// open connects to Consul and the record store and builds a Runner.
func (a *app) open(ctx context.Context) (*session, error) {
	store, err := a.newKV(a.cfg)
	if err != nil {
		return nil, merrors.Wrap(merrors.EInternal, "open", err)
	}
	repo, err := a.openRepository(ctx, a.cfg, store)
	if err != nil {
		return nil, err
	}

	m := metrics.New(a.log)
	loader := script.NewMultiLoader(script.Default).Handle(scaffold.ScriptExt, script.NewJSLoader(a.log))
	r := consulmigrate.NewRunner(a.cfg, repo, store, loader, a.log,
		consulmigrate.WithClock(a.clock),
		consulmigrate.WithObserver(m),
		consulmigrate.WithRecorder(m),
	)
	return &session{
		runner:  r,
		kv:      store,
		metrics: m,
		close: func() {
			if err := repo.Close(); err != nil {
				a.log.Warn("Closing repository failed", zap.Error(err))
			}
			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = m.Push(pushCtx, a.cfg.Metrics.Pushgateway, a.cfg.Metrics.Job)
		},
	}, nil
}

// colorEnabled reports whether diffs written to w should be colored.
func (a *app) colorEnabled(w io.Writer) bool {
	if !a.cfg.Diff.Color {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
