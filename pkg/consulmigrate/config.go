package consulmigrate

import (
	"fmt"
	"os"
	"time"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// DefaultSampleSuffix помечает файлы-примеры, которые stage пропускает.
// DefaultSampleSuffix marks sample scripts that stage skips.
const DefaultSampleSuffix = "-sample"

// Config хранит настройки для запуска миграций.
// Назначение: единое неизменяемое значение, которое CLI передаёт в конструкторы.
// Config holds settings for running migrations.
// Purpose: a single immutable value the CLI threads through constructors.
type Config struct {
	MigrationsDirectory string         `mapstructure:"migrationsDirectory"`
	Environment         string         `mapstructure:"environment"`
	SampleSuffix        string         `mapstructure:"sampleSuffix"`
	Debug               bool           `mapstructure:"debug"`
	Consul              ConsulConfig   `mapstructure:"consul"`
	Database            DatabaseConfig `mapstructure:"database"`
	Diff                DiffConfig     `mapstructure:"diff"`
	Metrics             MetricsConfig  `mapstructure:"metrics"`
}

// ConsulConfig описывает подключение к Consul и параметры блокировок.
// ConsulConfig describes the Consul connection and lock settings.
type ConsulConfig struct {
	Address     string        `mapstructure:"address"`
	Scheme      string        `mapstructure:"scheme"`
	Datacenter  string        `mapstructure:"datacenter"`
	Token       string        `mapstructure:"token"`
	TokenEnvVar string        `mapstructure:"tokenEnvVar"`
	LockTTL     time.Duration `mapstructure:"lockTTL"`
	LockPrefix  string        `mapstructure:"lockPrefix"`
}

// DatabaseConfig выбирает хранилище записей о миграциях.
// DatabaseConfig selects the migration record store.
type DatabaseConfig struct {
	// Driver is one of consul, postgres, sqlite or mongo.
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	DSNEnvVar string `mapstructure:"dsnEnvVar"`
	// Name is the mongo database name.
	Name string `mapstructure:"name"`
}

type DiffConfig struct {
	Mode      string `mapstructure:"mode"`
	MaxLength int    `mapstructure:"maxLength"`
	Color     bool   `mapstructure:"color"`
}

type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

// Drivers lists the supported record stores.
var Drivers = []string{"consul", "postgres", "sqlite", "mongo"}

// DefaultConfig возвращает конфигурацию по умолчанию.
// Выход: Config с заполненными значениями по умолчанию.
// Назначение: база для init и для загрузки из файла.
// DefaultConfig returns the default configuration.
// Output: Config with defaults filled in.
// Purpose: base for init and for loading from file.
func DefaultConfig() Config {
	return Config{
		MigrationsDirectory: "migrations",
		Environment:         "development",
		SampleSuffix:        DefaultSampleSuffix,
		Consul: ConsulConfig{
			Address:     "127.0.0.1:8500",
			Scheme:      "http",
			TokenEnvVar: "CONSUL_HTTP_TOKEN",
			LockTTL:     15 * time.Second,
			LockPrefix:  "__locks/",
		},
		Database: DatabaseConfig{
			Driver: "consul",
			Name:   "migrate-consul",
		},
		Diff: DiffConfig{
			Mode:      "patch",
			MaxLength: 10000,
			Color:     true,
		},
		Metrics: MetricsConfig{
			Job: "migrate-consul",
		},
	}
}

// Validate проверяет обязательные поля.
// Выход: error при пустой директории или неизвестном драйвере.
// Назначение: отказать до открытия соединений.
// Validate checks required fields.
// Output: error on empty directory or unknown driver.
// Purpose: fail before opening any connection.
func (c Config) Validate() error {
	if c.MigrationsDirectory == "" {
		return merrors.New(merrors.EInvalidOperation, "migrations directory is empty")
	}
	known := false
	for _, d := range Drivers {
		if d == c.Database.Driver {
			known = true
		}
	}
	if !known {
		return merrors.New(merrors.EInvalidOperation, "unsupported driver: %q", c.Database.Driver)
	}
	if c.Database.Driver != "consul" && c.DSN() == "" {
		return merrors.New(merrors.EInvalidOperation, "driver %s needs a dsn", c.Database.Driver)
	}
	return nil
}

// ConsulToken возвращает токен ACL: явный или из переменной окружения.
// ConsulToken returns the ACL token, explicit or from the configured env var.
func (c Config) ConsulToken() string {
	return pick(c.Consul.Token, c.Consul.TokenEnvVar)
}

// DSN returns the database DSN, explicit or from the configured env var.
func (c Config) DSN() string {
	return pick(c.Database.DSN, c.Database.DSNEnvVar)
}

func pick(value, envVar string) string {
	if value != "" || envVar == "" {
		return value
	}
	return os.Getenv(envVar)
}

// SampleSuffixOrDefault returns the sample suffix, defaulting to "-sample".
func (c Config) SampleSuffixOrDefault() string {
	if c.SampleSuffix == "" {
		return DefaultSampleSuffix
	}
	return c.SampleSuffix
}

func (c Config) String() string {
	return fmt.Sprintf("dir=%s env=%s driver=%s consul=%s", c.MigrationsDirectory, c.Environment, c.Database.Driver, c.Consul.Address)
}
