package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arketec/migrate-consul/pkg/consulmigrate"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/diff"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
	"github.com/arketec/migrate-consul/pkg/consulmigrate/scaffold"
)

const (
	// skipConfig marks commands that run without a config file.
	skipConfig = "skip-config"
	// configuredMode is the value of a bare --diff.
	configuredMode = "config"
)

// newRootCommand собирает дерево команд cobra.
// Вход: app с writer'ами и фабриками.
// Выход: корневая команда.
// Назначение: единая точка регистрации команд и общих флагов.
// newRootCommand builds the cobra command tree.
func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate-consul",
		Short:         "Versioned migrations for Consul KV",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.log = newLogger(a.errOut, a.flags.debug)
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			cfg, err := loadConfig(a.flags)
			if err != nil {
				return report(a, err)
			}
			a.cfg = cfg
			a.log = newLogger(a.errOut, cfg.Debug)
			a.log.Debug("Loaded config", zap.Stringer("config", cfg))
			return nil
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config-path", ".", "directory containing "+scaffold.ConfigFileName)
	pf.StringVar(&a.flags.path, "path", "", "path to the migrations directory, overrides the config")
	pf.StringVar(&a.flags.token, "token", "", "consul ACL token if not in the configured environment variable")
	pf.BoolVar(&a.flags.debug, "debug", false, "print debug logs")
	pf.DurationVar(&a.flags.timeout, "timeout", 5*time.Minute, "overall command timeout")

	root.AddCommand(
		newInitCommand(a),
		newCreateCommand(a),
		newStageCommand(a),
		newUpCommand(a),
		newDownCommand(a),
		newStatusCommand(a),
		newRestageCommand(a),
		newVerifyCommand(a),
		newUnstageCommand(a),
		newBackupCommand(a),
		newRestoreCommand(a),
		newConvertCommand(a),
		newVersionCommand(a),
	)
	return root
}

// retryHint is logged once for lock and write conflicts.
const retryHint = "Another writer held the key; running the command again may succeed"

// report logs err and returns it so cobra exits with status 1.
func report(a *app, err error) error {
	if err == nil {
		return nil
	}
	retry := false
	for _, e := range multierr.Errors(err) {
		a.log.Error("Command failed", zap.String("code", merrors.ErrorCode(e)), zap.Error(e))
		retry = retry || merrors.Retryable(e)
	}
	if retry {
		a.log.Warn(retryHint)
	}
	return err
}

// withSession runs fn with an opened session and a timeout.
func withSession(cmd *cobra.Command, a *app, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.flags.timeout)
	defer cancel()

	s, err := a.open(ctx)
	if err != nil {
		return report(a, err)
	}
	defer s.close()
	return report(a, fn(ctx, s))
}

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "init [path] [migrationsDirectoryName]",
		Short:       "Write the config file and a sample migration",
		Args:        cobra.MaximumNArgs(2),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root := a.flags.configPath
			if len(args) > 0 {
				root = args[0]
			}
			cfg := consulmigrate.DefaultConfig()
			if len(args) > 1 {
				cfg.MigrationsDirectory = args[1]
			}
			res, err := scaffold.New(a.log, scaffold.WithClock(a.clock)).Init(root, cfg)
			if err != nil {
				return report(a, err)
			}
			for _, p := range res.Written {
				fmt.Fprintf(a.out, "created %s\n", p)
			}
			for _, p := range res.Skipped {
				fmt.Fprintf(a.out, "exists  %s\n", p)
			}
			fmt.Fprintf(a.out, "Edit the generated config file at %s\n", res.ConfigPath)
			return nil
		},
	}
}

func newCreateCommand(a *app) *cobra.Command {
	var (
		opts       scaffold.CreateOptions
		importKeys bool
		recurse    bool
	)
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Create a new migration script",
		Example: `  migrate-consul create add_feature_flags --key app/flags --value '{"beta":true}'
  migrate-consul create tune_services --key services/ --import --recurse`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Description = "migration"
			if len(args) > 0 {
				opts.Description = args[0]
			}
			g := scaffold.New(a.log, scaffold.WithClock(a.clock))

			if !importKeys {
				path, err := g.Create(a.cfg.MigrationsDirectory, opts)
				if err != nil {
					return report(a, err)
				}
				fmt.Fprintln(a.out, path)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.flags.timeout)
			defer cancel()
			store, err := a.newKV(a.cfg)
			if err != nil {
				return report(a, err)
			}
			paths, err := g.Import(ctx, store, a.cfg.MigrationsDirectory, scaffold.ImportOptions{
				Description: opts.Description,
				Author:      opts.Author,
				Key:         opts.Key,
				Recurse:     recurse,
				Examples:    opts.Examples,
			})
			for _, p := range paths {
				fmt.Fprintln(a.out, p)
			}
			return report(a, err)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Key, "key", "", "consul key for the migration")
	f.StringVar(&opts.Value, "value", "", "value for the migration")
	f.StringVar(&opts.Author, "author", "", "author written in the script header")
	f.BoolVar(&opts.Examples, "examples", false, "include client examples in the script")
	f.BoolVar(&importKeys, "import", false, "create the migration from the current value of --key")
	f.BoolVar(&recurse, "recurse", false, "import every key under --key")
	return cmd
}

func newStageCommand(a *app) *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage every new migration script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				staged, err := s.runner.StageAll(ctx, author)
				for _, rec := range staged {
					fmt.Fprintf(a.out, "staged %s\n", rec.Name)
				}
				if err == nil && len(staged) == 0 {
					fmt.Fprintln(a.out, "nothing to stage")
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "author recorded on the staged migrations")
	return cmd
}

func printReport(a *app, r *consulmigrate.Report) {
	if r == nil {
		return
	}
	if len(r.Results) == 0 {
		fmt.Fprintln(a.out, "no changes")
		return
	}
	for _, res := range r.Results {
		line := fmt.Sprintf("%-12s %s", res.Outcome, res.Name)
		if res.Err != nil {
			line += ": " + res.Err.Error()
		}
		fmt.Fprintln(a.out, line)
	}
}

func newUpCommand(a *app) *cobra.Command {
	var opts consulmigrate.UpOptions
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Stage = cmd.Flags().Changed("stage")
			opts.StageAuthor = strings.TrimSpace(opts.StageAuthor)
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				r, err := s.runner.Up(ctx, opts)
				printReport(a, r)
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ChangedBy, "changedBy", "", "who ran the migrations")
	f.BoolVar(&opts.Force, "force", false, "run scripts edited since they were staged")
	f.StringVar(&opts.StageAuthor, "stage", "", "stage new scripts with this author first")
	f.Lookup("stage").NoOptDefVal = " "
	return cmd
}

func newDownCommand(a *app) *cobra.Command {
	var opts consulmigrate.DownOptions
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the newest completed migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				r, err := s.runner.Down(ctx, opts)
				printReport(a, r)
				return err
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Count, "count", 1, "number of migrations to roll back")
	f.StringVar(&opts.ChangedBy, "changedBy", "", "who rolled the migrations back")
	f.BoolVar(&opts.Force, "force", false, "run scripts edited since they were applied")
	return cmd
}

func when(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func newStatusCommand(a *app) *cobra.Command {
	var (
		status string
		filter consulmigrate.Filter
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tracked migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st, err := consulmigrate.ParseStatus(status)
				if err != nil {
					return report(a, err)
				}
				filter.Status = &st
			}
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				records, err := s.runner.Store().Find(ctx, filter)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(a.out, "no migrations staged")
					return nil
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tADDED\tCHANGED\tAUTHOR\tCHANGED BY")
				for _, rec := range records {
					added, changed := rec.DateAdded, rec.LastChanged()
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						rec.Name, rec.Status, when(&added), when(&changed), dash(rec.ScriptAuthor), dash(rec.ChangedBy))
				}
				return w.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only show this status (pending, failed, completed, deleted)")
	f.StringVar(&filter.Author, "author", "", "only show scripts by this author")
	f.StringVar(&filter.ChangedBy, "changedBy", "", "only show migrations last changed by this user")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newRestageCommand(a *app) *cobra.Command {
	var (
		status    string
		changedBy string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "restage [name]",
		Short: "Move a failed migration back to pending",
		Long: `Restage moves the most recently failed migration, the named one or the most
recently changed one with --status back to pending. A script edited since it
was staged is refused unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sel consulmigrate.Selector
			switch {
			case len(args) > 0:
				sel = consulmigrate.ByName(args[0])
			case status != "":
				st, err := consulmigrate.ParseStatus(status)
				if err != nil {
					return report(a, err)
				}
				sel = consulmigrate.ByStatus(st)
			}
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				rec, err := s.runner.Restage(ctx, sel, changedBy, force)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "restaged %s\n", rec.Name)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "restage the most recently changed migration with this status")
	f.StringVar(&changedBy, "changedBy", "", "who restaged the migration")
	f.BoolVar(&force, "force", false, "restage even if the script changed or the migration did not fail")
	return cmd
}

func newVerifyCommand(a *app) *cobra.Command {
	var (
		opts     consulmigrate.VerifyOptions
		diffMode string
	)
	cmd := &cobra.Command{
		Use:       "verify [up|down]",
		Short:     "Dry run migrations and print the writes they would make",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				switch args[0] {
				case "up":
				case "down":
					opts.Down = true
				default:
					return report(a, merrors.New(merrors.EInvalidOperation, "verify direction must be up or down, got %q", args[0]))
				}
			}

			var renderer *diff.Renderer
			if cmd.Flags().Changed("diff") {
				if diffMode == configuredMode {
					diffMode = a.cfg.Diff.Mode
				}
				mode, err := diff.ParseMode(diffMode)
				if err != nil {
					return report(a, err)
				}
				renderer = diff.New(diff.Options{Mode: mode, MaxLength: a.cfg.Diff.MaxLength, Color: a.colorEnabled(a.out)})
			}

			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				results, err := s.runner.Verify(ctx, opts)
				if len(results) == 0 && err == nil {
					fmt.Fprintln(a.out, "nothing to verify")
				}
				for _, v := range results {
					fmt.Fprintf(a.out, "== %s\n", v.Name)
					if v.Err != nil {
						fmt.Fprintf(a.out, "error: %v\n", v.Err)
					}
					for _, o := range v.Outputs {
						if renderer == nil {
							if o.Deleted {
								fmt.Fprintf(a.out, "delete %s\n", o.Key)
							} else {
								fmt.Fprintf(a.out, "%s = %s\n", o.Key, o.Value)
							}
							continue
						}
						text, rerr := renderer.RenderOutput(o)
						if rerr != nil {
							err = multierr.Append(err, rerr)
							continue
						}
						fmt.Fprint(a.out, text)
					}
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.File, "file", "", "verify only this script")
	f.StringVar(&opts.DateFrom, "date-from", "", "first script timestamp (YYYYMMDDhhmmss or a prefix)")
	f.StringVar(&opts.DateTo, "date-to", "", "last script timestamp (YYYYMMDDhhmmss or a prefix)")
	f.BoolVar(&opts.Unstaged, "unstaged", false, "include scripts that are not staged yet")
	f.StringVar(&diffMode, "diff", "", "print diffs: "+strings.Join(modeNames(), ", "))
	f.Lookup("diff").NoOptDefVal = configuredMode
	return cmd
}

func modeNames() []string {
	names := make([]string, 0, len(diff.Modes))
	for _, m := range diff.Modes {
		names = append(names, string(m))
	}
	return names
}

func newUnstageCommand(a *app) *cobra.Command {
	var opts consulmigrate.UnstageOptions
	cmd := &cobra.Command{
		Use:   "unstage",
		Short: "Remove migration records; the newest one by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				removed, err := s.runner.Unstage(ctx, opts)
				if err != nil {
					return err
				}
				if len(removed) == 0 {
					fmt.Fprintln(a.out, "nothing to unstage")
				}
				for _, rec := range removed {
					fmt.Fprintf(a.out, "unstaged %s\n", rec.Name)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Name, "file", "", "unstage this migration")
	f.BoolVar(&opts.Failed, "failed", false, "unstage every failed migration")
	f.BoolVar(&opts.Pending, "pending", false, "unstage every pending migration")
	f.StringVar(&opts.Author, "author", "", "unstage this author's migrations that are not completed")
	return cmd
}

func newBackupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <key>...",
		Short: "Save the current value of keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				backups, err := s.runner.Backup(ctx, args...)
				for _, b := range backups {
					fmt.Fprintf(a.out, "backed up %s at %s\n", b.Key, b.Date.UTC().Format(time.RFC3339Nano))
				}
				return err
			})
		},
	}
}

func newRestoreCommand(a *app) *cobra.Command {
	var (
		list bool
		last bool
		date string
	)
	cmd := &cobra.Command{
		Use:   "restore <key>",
		Short: "Write a backup back to its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			var at *time.Time
			if date != "" && !last {
				t, err := time.Parse(time.RFC3339Nano, date)
				if err != nil {
					return report(a, merrors.Wrap(merrors.EInvalidOperation, "restore --date", err))
				}
				at = &t
			}
			return withSession(cmd, a, func(ctx context.Context, s *session) error {
				if list {
					backups, err := s.runner.ListBackups(ctx, key)
					if err != nil {
						return err
					}
					if len(backups) == 0 {
						fmt.Fprintf(a.out, "no backups of %s\n", key)
					}
					for _, b := range backups {
						fmt.Fprintf(a.out, "%s  %s  %s\n", b.Date.UTC().Format(time.RFC3339Nano), humanize.Bytes(uint64(len(b.Value))), humanize.Time(b.Date))
					}
					return nil
				}
				b, err := s.runner.Restore(ctx, key, at)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "restored %s from %s\n", key, b.Date.UTC().Format(time.RFC3339Nano))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&list, "list", false, "list the backups of the key, newest first")
	f.BoolVar(&last, "last", false, "restore the newest backup (the default)")
	f.StringVar(&date, "date", "", "restore the backup taken at this RFC 3339 time")
	return cmd
}

func newConvertCommand(a *app) *cobra.Command {
	var from, to, fromDSN, toDSN string
	cmd := &cobra.Command{
		Use:   "convert-migrations",
		Short: "Copy migration records from one store to another",
		Example: `  migrate-consul convert-migrations --from consul --to postgres --to-dsn postgres://localhost/migrations
  migrate-consul convert-migrations --from mongo --to consul`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.flags.timeout)
			defer cancel()

			open := func(driver, dsn string) (consulmigrate.Repository, error) {
				cfg := a.cfg
				cfg.Database.Driver = driver
				if dsn != "" {
					cfg.Database.DSN = dsn
				}
				return a.openRepository(ctx, cfg, nil)
			}
			src, err := open(from, fromDSN)
			if err != nil {
				return report(a, err)
			}
			defer src.Close()
			dst, err := open(to, toDSN)
			if err != nil {
				return report(a, err)
			}
			defer dst.Close()

			copied, err := consulmigrate.CopyRecords(ctx, src, dst, a.log)
			if err != nil {
				return report(a, err)
			}
			fmt.Fprintf(a.out, "copied %d records from %s to %s\n", len(copied), from, to)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&from, "from", "consul", "source driver: "+strings.Join(consulmigrate.Drivers, ", "))
	f.StringVar(&to, "to", "", "destination driver")
	f.StringVar(&fromDSN, "from-dsn", "", "source DSN, defaults to the configured one")
	f.StringVar(&toDSN, "to-dsn", "", "destination DSN, defaults to the configured one")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(a.out, version)
		},
	}
}
