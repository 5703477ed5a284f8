package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/monozoide/MailLogSentinel/internal/config"
	"github.com/monozoide/MailLogSentinel/internal/enrich"
	"github.com/monozoide/MailLogSentinel/internal/geo"
	"github.com/monozoide/MailLogSentinel/internal/pipeline"
	"github.com/monozoide/MailLogSentinel/internal/report"
	"github.com/monozoide/MailLogSentinel/internal/server"
	"github.com/monozoide/MailLogSentinel/internal/tailer"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "maillogsentinel.toml", "Path to config file (TOML)")
	reportMode := flag.Bool("report", false, "Print today's summary and exit")
	watchMode := flag.Bool("watch", false, "Run continuously at the configured interval")
	resetMode := flag.Bool("reset", false, "Archive the offset state and sink, then exit")
	purgeMode := flag.Bool("purge", false, "Archive state, sink and application log, then exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("maillogsentinel " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := newLogger(cfg)

	switch {
	case *reportMode:
		if err := runReport(cfg, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("report")
		}
		return
	case *resetMode:
		if err := archiveState(cfg, false, log); err != nil {
			log.Fatal().Err(err).Msg("reset")
		}
		return
	case *purgeMode:
		if err := archiveState(cfg, true, log); err != nil {
			log.Fatal().Err(err).Msg("purge")
		}
		return
	}

	lock, err := pipeline.AcquireLock(cfg.State.Dir)
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			log.Warn().Msg("another instance holds the run lock, exiting")
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("run lock")
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("release run lock")
		}
	}()

	resolver := enrich.NewResolver(enrich.ResolverOptions{
		CacheEnabled: cfg.DNSCache.Enabled,
		CacheSize:    cfg.DNSCache.Size,
		CacheTTL:     cfg.DNSCacheTTL(),
		Timeout:      cfg.DNSLookupTimeout(),
	}, log)

	table, err := geo.Open(geo.Options{
		CountryCSV:  cfg.Geo.CountryCSV,
		ASNCSV:      cfg.Geo.ASNCSV,
		CountryMMDB: cfg.Geo.CountryMMDB,
		ASNMMDB:     cfg.Geo.ASNMMDB,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("geo datasets")
	}
	defer func() {
		if err := table.Close(); err != nil {
			log.Warn().Err(err).Msg("geo close")
		}
	}()

	enricher := enrich.New(resolver, table, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*watchMode {
		p := pipeline.New(cfg, enricher, nil, log)
		if _, err := p.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("run")
		}
		return
	}

	promReg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(promReg)
	p := pipeline.New(cfg, enricher, metrics, log)

	if cfg.Watch.ManagementListen != "" {
		srv := &server.Server{
			Ready:          p.Ready,
			MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
			Logger:         log,
			ListenAddr:     cfg.Watch.ManagementListen,
		}
		go func() {
			if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("management server")
			}
		}()
	}

	if err := p.Watch(ctx, cfg.WatchInterval()); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("watch")
	}
	log.Info().Msg("shutting down")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logLevel := zerolog.InfoLevel
	switch cfg.Logging.Level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		}
	}
	if cfg.Logging.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func runReport(cfg *config.Config, w io.Writer) error {
	s, err := report.Analyze(cfg.Sink.Path, report.Today(time.Now()), cfg.Report.TopN)
	if err != nil {
		return err
	}
	return s.Render(w)
}

// archiveState renames the offset state and sink aside, and with purge the
// application log too, so the next run starts from scratch without
// destroying history.
func archiveState(cfg *config.Config, purge bool, log zerolog.Logger) error {
	stamp := time.Now().Format("20060102-150405")
	offsets := tailer.NewStore(cfg.State.Dir, log)
	targets := []string{offsets.Path(cfg.SourceID()), cfg.Sink.Path}
	if purge && cfg.Logging.File != "" {
		targets = append(targets, cfg.Logging.File)
	}
	for _, path := range targets {
		dst := path + ".bak-" + stamp
		if err := os.Rename(path, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		log.Info().Str("from", path).Str("to", dst).Msg("archived")
	}
	return nil
}
