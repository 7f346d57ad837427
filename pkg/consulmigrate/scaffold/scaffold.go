// Package scaffold writes the config file, the sample migration and new
// migration scripts.
package scaffold

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/diff"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/kv"
)

const (
	// ConfigFileName is the file init writes and the CLI reads.
	ConfigFileName = "migrate-consul-config.yaml"
	// ScriptExt is the extension of generated scripts.
	ScriptExt = ".js"

	versionLayout = "20060102150405"
	defaultValue  = "Hello from migrate-consul"
)

var (
	templates = template.Must(template.New("migration").Funcs(sprig.TxtFuncMap()).Parse(migrationTemplate))
	configTpl = template.Must(template.New("config").Funcs(sprig.TxtFuncMap()).Parse(configTemplate))

	nonSlug = regexp.MustCompile(`[^a-z0-9]+`)
)

// Generator creates files. Versions come from its clock.
type Generator struct {
	clock clock.Clock
	log   *zap.Logger
}

type Option func(*Generator)

func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

func New(log *zap.Logger, opts ...Option) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Generator{clock: clock.New(), log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type scriptData struct {
	Name         string
	Created      time.Time
	Author       string
	Key          string
	Value        string
	Original     string
	Examples     bool
	Sample       bool
	SampleSuffix string
}

type configData struct {
	consulmigrate.Config
	Drivers   []string
	DiffModes []string
}

// InitResult lists what Init wrote. Files that already existed are left
// alone and reported in Skipped.
type InitResult struct {
	ConfigPath string
	SamplePath string
	Written    []string
	Skipped    []string
}

// Init создаёт конфигурацию и каталог миграций с примером.
// Вход: корневой каталог, конфигурация по умолчанию.
// Выход: InitResult или error.
// Назначение: команда init; существующие файлы не перезаписываются.
// Init writes <root>/migrate-consul-config.yaml and, when the migrations
// directory does not exist yet, creates it with a sample script.
func (g *Generator) Init(root string, cfg consulmigrate.Config) (InitResult, error) {
	var res InitResult
	if root == "" {
		root = "."
	}
	if cfg.MigrationsDirectory == "" {
		return res, merrors.New(merrors.EInvalidOperation, "migrations directory is empty")
	}

	dir := cfg.MigrationsDirectory
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, err
		}
		now := g.clock.Now().UTC()
		name := fmt.Sprintf("%s-example%s%s", now.Format(versionLayout), cfg.SampleSuffixOrDefault(), ScriptExt)
		res.SamplePath = filepath.Join(dir, name)
		err := g.writeScript(res.SamplePath, scriptData{
			Name:         name,
			Created:      now,
			Key:          "sample",
			Value:        literal(defaultValue),
			Examples:     true,
			Sample:       true,
			SampleSuffix: cfg.SampleSuffixOrDefault(),
		})
		if err != nil {
			return res, err
		}
		res.Written = append(res.Written, res.SamplePath)
	} else if err != nil {
		return res, err
	} else {
		res.Skipped = append(res.Skipped, dir)
	}

	res.ConfigPath = filepath.Join(root, ConfigFileName)
	if _, err := os.Stat(res.ConfigPath); err == nil {
		g.log.Info("Config file already exists", zap.String("path", res.ConfigPath))
		res.Skipped = append(res.Skipped, res.ConfigPath)
		return res, nil
	}

	modes := make([]string, 0, len(diff.Modes))
	for _, m := range diff.Modes {
		modes = append(modes, string(m))
	}
	var buf bytes.Buffer
	if err := configTpl.Execute(&buf, configData{Config: cfg, Drivers: consulmigrate.Drivers, DiffModes: modes}); err != nil {
		return res, merrors.Wrap(merrors.EInternal, "scaffold.Init", err)
	}
	if err := os.WriteFile(res.ConfigPath, buf.Bytes(), 0o644); err != nil {
		return res, err
	}
	res.Written = append(res.Written, res.ConfigPath)
	g.log.Info("Wrote config file", zap.String("path", res.ConfigPath))
	return res, nil
}

// CreateOptions describes a new migration script.
type CreateOptions struct {
	Description string
	Author      string
	// Key defaults to "sample".
	Key string
	// Value is written by up. It is embedded as a JSON document when it
	// parses as an object or array, as a string otherwise.
	Value    string
	Examples bool
}

// Create writes a new script in dir and returns its path.
func (g *Generator) Create(dir string, opts CreateOptions) (string, error) {
	if opts.Key == "" {
		opts.Key = "sample"
	}
	if opts.Value == "" {
		opts.Value = defaultValue
	}
	return g.create(dir, opts.Description, scriptData{
		Author:   opts.Author,
		Key:      opts.Key,
		Value:    literal(opts.Value),
		Examples: opts.Examples,
	})
}

// ImportOptions selects the live keys Import turns into scripts.
type ImportOptions struct {
	Description string
	Author      string
	Key         string
	// Recurse imports every key under Key. A Key ending in "/" always
	// recurses.
	Recurse  bool
	Examples bool
}

// Import создаёт миграции из текущих значений ключей.
// Вход: ctx, хранилище, каталог, опции.
// Выход: пути созданных файлов или error.
// Назначение: create --import; down восстанавливает исходное значение.
// Import writes one script per imported key. up writes the current value
// back, ready to be edited, and down restores it.
func (g *Generator) Import(ctx context.Context, store kv.Store, dir string, opts ImportOptions) ([]string, error) {
	if opts.Key == "" {
		return nil, merrors.New(merrors.EInvalidOperation, "a key is required for import")
	}

	var pairs []*kv.Pair
	if opts.Recurse || strings.HasSuffix(opts.Key, "/") {
		list, err := store.List(ctx, opts.Key)
		if err != nil {
			return nil, err
		}
		pairs = list
	} else {
		p, err := store.Get(ctx, opts.Key)
		if err != nil {
			return nil, err
		}
		if p != nil {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		return nil, &merrors.Error{Code: merrors.EKeyNotFound, Op: "scaffold.Import", Msg: "no keys found at " + opts.Key}
	}

	var paths []string
	for _, p := range pairs {
		if len(p.Value) == 0 {
			g.log.Warn("Importing key without value", zap.String("key", p.Key))
		}
		desc := opts.Description
		if len(pairs) > 1 || opts.Recurse {
			desc += "-" + strings.ReplaceAll(p.Key, "/", "_")
		}
		value := literal(string(p.Value))
		path, err := g.create(dir, desc, scriptData{
			Author:   opts.Author,
			Key:      p.Key,
			Value:    value,
			Original: value,
			Examples: opts.Examples,
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (g *Generator) create(dir, description string, data scriptData) (string, error) {
	slug := Slug(description)
	if slug == "" {
		slug = "migration"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data.Created = g.clock.Now().UTC()
	data.Name = fmt.Sprintf("%s-%s%s", data.Created.Format(versionLayout), slug, ScriptExt)
	path := filepath.Join(dir, data.Name)
	if _, err := os.Stat(path); err == nil {
		return "", merrors.New(merrors.EInvalidOperation, "%s already exists", path)
	}
	if err := g.writeScript(path, data); err != nil {
		return "", err
	}
	g.log.Info("Generated migration file", zap.String("path", path))
	return path, nil
}

func (g *Generator) writeScript(path string, data scriptData) error {
	var buf bytes.Buffer
	if err := templates.Execute(&buf, data); err != nil {
		return merrors.Wrap(merrors.EInternal, "scaffold.writeScript", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Slug lower-cases s and joins its words with dashes.
func Slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// literal renders value as a JS expression.
func literal(value string) string {
	trimmed := strings.TrimSpace(value)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(trimmed)); err == nil {
			return buf.String()
		}
	}
	raw, _ := json.Marshal(value)
	return string(raw)
}
