// The dnevnikd command runs the school-journal cache daemon: it
// mirrors message previews and bodies into a local database and keeps
// them fresh with background sweeps.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ivmosin/dnevnik/internal/config"
	"github.com/ivmosin/dnevnik/internal/eljur"
	"github.com/ivmosin/dnevnik/internal/homedir"
	"github.com/ivmosin/dnevnik/internal/persist"
	"github.com/ivmosin/dnevnik/internal/session"
	"github.com/ivmosin/dnevnik/internal/syncer"
	"github.com/ivmosin/dnevnik/internal/tracehttp"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig = flag.String("config", "", "path to the YAML config file")
	flagTrace  = flag.Bool("T", false, "request debug tracing")
)

func loadConfig() (*config.Config, error) {
	var conf *config.Config
	if *flagConfig != "" {
		var err error
		conf, err = config.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		conf = config.Default()
	}
	if conf.Database == "" {
		home, err := homedir.Get()
		if err != nil {
			return nil, err
		}
		conf.Database = filepath.Join(home, ".dnevnik.db")
	}
	return conf, nil
}

func newLogger(conf *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "bad log level %q", conf.LogLevel)
	}
	var out = os.Stderr
	if conf.LogFile != "" {
		out, err = os.OpenFile(conf.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, errors.Wrap(err, "opening log file")
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func run() error {
	conf, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	log, err := newLogger(conf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := persist.Open(ctx, conf.Database, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	httpClient := http.DefaultClient
	if *flagTrace {
		httpClient = &http.Client{Transport: tracehttp.Wrap(nil, log)}
	}
	remote := eljur.New(conf.API.BaseURL, conf.API.DevKey, httpClient, log)

	registry := session.NewRegistry(remote, db, session.Options{
		LoadLimit:     conf.Cache.LoadLimit,
		MaxCachePages: conf.Cache.MaxCachePages,
		PageLimit:     conf.Cache.PageLimit,
		HomeworkTTL:   conf.Cache.HomeworkTTL,
	}, log)

	watcher := syncer.NewWatcher(registry, syncer.LogNotifier{Log: log},
		conf.Sync.CheckInterval, conf.Sync.CheckPageLimit, log)
	backfiller := syncer.NewBackfiller(registry,
		conf.Sync.BackfillInterval, conf.Sync.BackfillWorkers, log)

	log.Info().Str("database", conf.Database).Msg("dnevnikd starting")
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return watcher.Run(ctx) })
	grp.Go(func() error { return backfiller.Run(ctx) })

	err = grp.Wait()
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log := zerolog.New(os.Stderr)
		log.Fatal().Err(err).Msg("dnevnikd failed")
	}
}
