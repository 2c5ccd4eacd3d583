package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"classcal/internal/cache"
	"classcal/internal/config"
	"classcal/internal/ics"
	appLog "classcal/internal/log"
	"classcal/internal/notify"
	"classcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	feedURL    string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("classcal starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.feedURL != "" {
		conf.FeedURL = flags.feedURL
	}
	if conf.FeedURL == "" {
		appLog.Error("no feed URL configured", errors.New("feed_url is empty"), "config_path", flags.configPath)
		os.Exit(1)
	}

	loc := conf.Location()
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"feed", conf.FeedURL,
		"window_days", conf.WindowDays,
		"stale_after_minutes", conf.StaleAfterMinutes,
		"refresh", conf.RefreshCron,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	store := cache.New(cache.Options{
		Source:     ics.NewFetcher(conf.FeedURL, conf.FetchTimeout(), conf.FetchRetries),
		Location:   loc,
		WindowDays: conf.WindowDays,
		StaleAfter: conf.StaleAfter(),
	})

	subs, err := notify.OpenStore(conf.NotifyDBPath)
	if err != nil {
		appLog.Error("failed to open subscription store", err, "path", conf.NotifyDBPath)
		os.Exit(1)
	}
	defer subs.Close()

	watcher := notify.NewWatcher(subs, notify.LogSender{})

	refresh := func() {
		err := store.Rebuild(ctx)
		if errors.Is(err, cache.ErrRebuildInFlight) {
			return
		}
		if err != nil {
			// Previous snapshot stays live; the next tick retries.
			return
		}
		if snap, serr := store.Snapshot(); serr == nil {
			if sent := watcher.Check(ctx, snap); sent > 0 {
				appLog.Info("notifications dispatched", "count", sent)
			}
		}
	}

	// Initial build so queries can be served right away.
	refresh()

	if flags.once {
		state, count := store.Status()
		appLog.Info("single run complete", "state", string(state), "occurrences", count)
		return
	}

	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, refresh); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, store, subs).Handler(),
	}

	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
	}
	appLog.Info("classcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/classcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.feedURL, "feed", "", "ICS feed URL (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one rebuild and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()
	return cfg
}
