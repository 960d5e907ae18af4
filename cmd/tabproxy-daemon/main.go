package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brendandebeasi/tabproxy/pkg/bridge"
	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/config"
	"github.com/brendandebeasi/tabproxy/pkg/endpoint"
	"github.com/brendandebeasi/tabproxy/pkg/exemption"
	"github.com/brendandebeasi/tabproxy/pkg/hostlink"
	"github.com/brendandebeasi/tabproxy/pkg/i18n"
	"github.com/brendandebeasi/tabproxy/pkg/links"
	"github.com/brendandebeasi/tabproxy/pkg/paths"
	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/router"
)

var crashLog *log.Logger
var eventLog *log.Logger
var debugLog *log.Logger

func initCrashLog() {
	f, err := openLog(paths.CrashLogPath())
	if err != nil {
		crashLog = log.New(os.Stderr, "[CRASH] ", log.LstdFlags)
		return
	}
	crashLog = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
}

func initEventLog() {
	f, err := openLog(paths.EventLogPath())
	if err != nil {
		eventLog = log.New(os.Stderr, "[EVENT] ", log.LstdFlags)
		return
	}
	eventLog = log.New(f, "[event] ", log.LstdFlags|log.Lmicroseconds)
}

func openLog(path string) (*os.File, error) {
	if _, err := paths.EnsureStateDir(); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

func logEvent(format string, args ...interface{}) {
	if eventLog != nil {
		eventLog.Printf(format, args...)
	}
}

func logCrash(context string, r interface{}) {
	crashLog.Printf("=== CRASH in %s ===", context)
	crashLog.Printf("Panic: %v", r)
	crashLog.Printf("Stack trace:\n%s", debug.Stack())
	crashLog.Printf("=== END CRASH ===\n")
}

func recoverAndLog(context string) {
	if r := recover(); r != nil {
		logCrash(context, r)
	}
}

var (
	configPath      = flag.String("config", "", "config file (default: ~/.config/tabproxy/config.yaml)")
	debugMode       = flag.Bool("debug", false, "Enable debug logging")
	regenerateToken = flag.Bool("regenerate-token", false, "regenerate the bridge token on startup")
	printToken      = flag.Bool("print-token", false, "print the bridge token and exit")
)

func main() {
	flag.Parse()

	initCrashLog()
	initEventLog()
	defer recoverAndLog("main")

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config %s: %v", path, err)
	}

	if *debugMode || cfg.Debug {
		debugLog = log.New(os.Stderr, "[daemon] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		debugLog = log.New(io.Discard, "", 0)
	}

	var token string
	if *regenerateToken {
		token, err = bridge.RegenerateToken(cfg.Listen.TokenFile)
	} else {
		token, err = bridge.LoadOrGenerateToken(cfg.Listen.TokenFile)
	}
	if err != nil {
		log.Fatalf("failed to load token: %v", err)
	}
	if *printToken {
		fmt.Println(token)
		return
	}

	catalog, err := i18n.Load(cfg.Locale.Language, cfg.Locale.Dir)
	if err != nil {
		log.Fatalf("failed to load locale catalog: %v", err)
	}
	vars := linkVars(cfg, catalog)
	debugLog.Printf("locale resolved to %s", catalog.Locale())

	if err := run(cfg, path, token, catalog, vars); err != nil {
		log.Fatalf("daemon: %v", err)
	}
}

func linkVars(cfg *config.Config, catalog *i18n.Catalog) links.Vars {
	vars := cfg.LinkVars
	if vars.Locale == "" {
		vars.Locale = catalog.Locale().String()
	}
	return vars
}

func run(cfg *config.Config, path, token string, catalog *i18n.Catalog, vars links.Vars) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exemptions := exemption.NewRegistry()
	endpoints := endpoint.NewRegistry()
	profiles := profile.NewStore(paths.ProfilePath())

	// The link needs the router to dispatch to and the router needs the link
	// as its platform, so the router is bound after both exist.
	var r *router.Router
	link := hostlink.New(func(ev router.Event) error { return r.Dispatch(ev) }, debugLog)

	bc := broadcast.New(broadcast.Config{
		Exemptions: exemptions,
		Endpoints:  endpoints,
		Platform:   link,
		Translator: catalog,
		Profiles:   profiles,
		Icons:      cfg.Icons,
		Logger:     debugLog,
	})
	r = router.New(router.Config{
		Exemptions:  exemptions,
		Endpoints:   endpoints,
		Broadcaster: bc,
		Platform:    link,
		Controller:  link,
		Opener:      link,
		Profiles:    profiles,
		Links:       cfg.Links,
		LinkVars:    vars,
		Timeout:     cfg.Bridge.RequestTimeout,
		QueueSize:   cfg.Bridge.EventQueue,
		Logger:      debugLog,
		EventLog:    eventLog,
		CrashLog:    crashLog,
	})

	server := bridge.NewServer(bridge.Config{
		Host:        cfg.Listen.Host,
		Port:        cfg.Listen.Port,
		Token:       token,
		SendBuffer:  cfg.Bridge.SendBuffer,
		Exemptions:  exemptions,
		Endpoints:   endpoints,
		Broadcaster: bc,
		Logger:      debugLog,
	}, link, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer recoverAndLog("router")
		err := r.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := server.Start(); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("failed to start server: %w", err)
	}
	debugLog.Printf("Server listening on %s", server.Addr())
	logEvent("DAEMON_START addr=%s pid=%d", server.Addr(), os.Getpid())
	crashLog.Printf("Daemon started on %s", server.Addr())

	g.Go(func() error {
		defer recoverAndLog("config-watch")
		err := config.Watch(gctx, path, func(next *config.Config, err error) {
			if err != nil {
				debugLog.Printf("config reload: %v", err)
				logEvent("CONFIG_RELOAD_FAILED err=%v", err)
				return
			}
			bc.SetIcons(next.Icons)
			r.SetLinks(next.Links, linkVars(next, catalog))
			if next.Locale != cfg.Locale || next.Listen != cfg.Listen {
				debugLog.Printf("config reload: listen and locale changes apply on restart")
			}
			logEvent("CONFIG_RELOAD path=%s", path)
			if !link.Connected() {
				return
			}
			// Repaint the toolbar with the new icons.
			if err := r.Dispatch(router.HostConnected{}); err != nil && !errors.Is(err, router.ErrStopped) {
				debugLog.Printf("config reload: %v", err)
			}
		})
		if err != nil {
			// Missing config dir; run with what we loaded.
			debugLog.Printf("config watch disabled: %v", err)
		}
		return nil
	})

	<-gctx.Done()
	logEvent("DAEMON_STOP pid=%d", os.Getpid())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		debugLog.Printf("server stop: %v", err)
	}
	return g.Wait()
}
