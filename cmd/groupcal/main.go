package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"groupcal/internal/aggregate"
	"groupcal/internal/calsync"
	"groupcal/internal/config"
	"groupcal/internal/directory"
	"groupcal/internal/ics"
	"groupcal/internal/importer"
	appLog "groupcal/internal/log"
	"groupcal/internal/metrics"
	"groupcal/internal/schedule"
	"groupcal/internal/store"
	"groupcal/internal/store/bolt"
	"groupcal/internal/store/file"
	redisstore "groupcal/internal/store/redis"
	"groupcal/internal/store/sqlite"
	"groupcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	cacheDir   string
	once       bool
	migrate    bool
	ephemeral  bool
	importFrom string
	importInto string
}

func main() {
	flags := parseFlags()

	if err := run(flags); err != nil {
		appLog.Error("groupcal failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig) error {
	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("groupcal starting", "version", version)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"store_backend", conf.Store.Backend,
		"store_path", conf.Store.Path,
		"groups", len(conf.Groups),
		"title_name_fallback", conf.TitleFallback(),
		"once", flags.once,
		"migrate", flags.migrate,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	backend, extraDir, err := openBackend(conf)
	if err != nil {
		return err
	}
	defer backend.Close()

	m := metrics.New()
	records := store.New(backend, store.WithMetrics(m))

	if flags.migrate {
		res, err := records.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		appLog.Info("migration finished", "rewritten", len(res.Rewritten), "quarantined", len(res.Quarantined))
	}

	dir := directory.Chain{directory.NewStatic(conf.Groups)}
	if extraDir != nil {
		dir = append(dir, extraDir)
	}

	agg := aggregate.New(records, dir,
		aggregate.WithPalette(conf.Palette),
		aggregate.WithTitleFallback(conf.TitleFallback()),
		aggregate.WithMetrics(m),
	)
	cal := calsync.New(records, agg, calsync.WithMetrics(m))
	cal.Start(ctx)
	defer cal.Close()

	imp := importer.New(cal, ics.NewFetcher(flags.cacheDir, nil))

	if flags.importFrom != "" {
		res, err := imp.Import(ctx, flags.importInto, flags.importFrom)
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	snap, err := cal.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	appLog.Info("initial snapshot ready", "events", len(snap.Events))

	if flags.once {
		return printJSON(snap)
	}

	if conf.RefreshCron != schedule.Disabled {
		loc, _ := conf.Location()
		sched, err := schedule.New(conf.RefreshCron, loc, func() {
			if _, err := cal.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("scheduled refresh failed", err)
			}
		})
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			sched.Stop(stopCtx)
		}()
	}

	srv := web.NewServer(conf, cal, imp, m)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	appLog.Info("groupcal exiting")
	return nil
}

func loadConfig(flags flagConfig) (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if err := conf.ApplyEnv(); err != nil {
		return nil, err
	}

	// CLI flags override both file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.ephemeral {
		conf.Store.Backend = config.BackendMemory
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if conf.RefreshCron != schedule.Disabled {
		if err := schedule.Validate(conf.RefreshCron); err != nil {
			return nil, err
		}
	}
	if flags.importFrom != "" && strings.TrimSpace(flags.importInto) == "" {
		return nil, errors.New("-import requires -group")
	}
	return conf, nil
}

// openBackend opens the configured store. The sqlite backend also provides
// a directory backed by its group table.
func openBackend(conf *config.Config) (store.Backend, directory.Directory, error) {
	switch conf.Store.Backend {
	case config.BackendBolt:
		b, err := bolt.Open(conf.Store.Path)
		return b, nil, err
	case config.BackendSQLite:
		b, err := sqlite.Open(conf.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, directory.NewSQL(b.DB()), nil
	case config.BackendRedis:
		b, err := redisstore.Dial(redisstore.Options{
			Addr:     conf.Store.RedisAddr,
			Password: conf.Store.RedisPassword,
			DB:       conf.Store.RedisDB,
			Prefix:   conf.Store.RedisPrefix,
		})
		return b, nil, err
	case config.BackendFile:
		b, err := file.Open(conf.Store.Path)
		return b, nil, err
	case config.BackendMemory:
		appLog.Warn("using in-memory store; nothing will be persisted")
		return store.NewMemoryBackend(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", conf.Store.Backend)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/groupcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "/var/lib/groupcal/ics-cache", "Directory for cached ICS feeds")
	flag.BoolVar(&cfg.once, "once", false, "Refresh once, print the snapshot as JSON and exit")
	flag.BoolVar(&cfg.migrate, "migrate", false, "Rewrite legacy group payloads before starting")
	flag.BoolVar(&cfg.ephemeral, "ephemeral", false, "Use an in-memory store")
	flag.StringVar(&cfg.importFrom, "import", "", "Import events from an ICS file or URL, then exit")
	flag.StringVar(&cfg.importInto, "group", "", "Target group ID for -import")

	flag.Parse()

	return cfg
}
