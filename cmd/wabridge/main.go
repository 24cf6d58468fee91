package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openapex/wabridge/pkg/backend"
	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/config"
	"github.com/openapex/wabridge/pkg/dashboard"
	"github.com/openapex/wabridge/pkg/logger"
	"github.com/openapex/wabridge/pkg/metrics"
	"github.com/openapex/wabridge/pkg/router"
	"github.com/openapex/wabridge/pkg/session"
	"github.com/openapex/wabridge/pkg/storage"
	"github.com/openapex/wabridge/pkg/transport"
	"github.com/openapex/wabridge/pkg/voice"
)

var version = "dev"

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitLoggedOut = 3
)

// drainTimeout bounds how long shutdown waits for in-flight replies.
const drainTimeout = 30 * time.Second

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runCommand(args)
	case "migrate":
		return migrateCommand(args)
	case "version":
		fmt.Printf("wabridge %s\n", version)
		return exitOK
	case "help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		return exitUsage
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: wabridge <command> [flags]

Commands:
  run       connect to WhatsApp and relay messages to the backend (default)
  migrate   copy stored session credentials between storage backends
  version   print the version`)
}

// loadConfig loads .env files and the JSON config, then sets up logging.
func loadConfig(configPath, envPath string) (*config.Config, error) {
	envFiles := []string{".env", "~/.wabridge/.env"}
	if envPath != "" {
		envFiles = []string{envPath}
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger.Configure(cfg.Log.Level, cfg.Log.JSON, os.Stderr)
	return cfg, nil
}

// storageConfigFor maps the bridge config onto a storage backend config.
// typ overrides cfg.Storage.Type when non-empty.
func storageConfigFor(cfg *config.Config, typ string) storage.Config {
	if typ == "" {
		typ = cfg.Storage.Type
	}
	sc := storage.DefaultConfig(typ)
	sc.DatabaseURL = cfg.Storage.DatabaseURL
	sc.SSLEnabled = cfg.Storage.SSLEnabled
	sc.Encrypt = cfg.Storage.Encrypt

	// storage.file_path belongs to the configured backend; the other file
	// based backend falls back to its default location under the app root.
	configured := typ == cfg.Storage.Type
	switch typ {
	case "sqlite":
		if configured && cfg.Storage.FilePath != "" {
			sc.FilePath = config.ExpandHome(cfg.Storage.FilePath)
		} else {
			sc.FilePath = filepath.Join(cfg.AppRootPath(), "wabridge.db")
		}
	case "postgres":
	default:
		if configured {
			sc.FilePath = cfg.CredentialsPath()
		} else {
			sc.FilePath = filepath.Join(cfg.AppRootPath(), "session.bin")
		}
	}
	return sc
}

func newTransport(cfg *config.Config, store storage.Storage, msgBus *bus.MessageBus) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "", config.TransportWhatsmeow:
		opts := transport.WhatsmeowOptions{
			StorePath:   cfg.WhatsAppStorePath(),
			VersionCron: cfg.Transport.WhatsApp.VersionCheckCron,
			QROut:       os.Stdout,
		}
		// A database-backed credential store also hosts the device store.
		if sqlStore, ok := store.(storage.SQLStorage); ok {
			opts.DB = sqlStore.DB()
			opts.Dialect = sqlStore.Dialect()
		}
		return transport.NewWhatsmeowTransport(opts, msgBus), nil
	case config.TransportWebBridge:
		return transport.NewWebBridgeTransport(transport.WebBridgeOptions{
			URL:         cfg.Transport.WebBridge.URL,
			DialTimeout: time.Duration(cfg.Transport.WebBridge.DialTimeoutSeconds) * time.Second,
			QROut:       os.Stdout,
		}, msgBus), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s (supported: %s, %s)",
			cfg.Transport.Type, config.TransportWhatsmeow, config.TransportWebBridge)
	}
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.json (default ~/.wabridge/config.json)")
	envPath := fs.String("env", "", "path to a .env file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitError
	}

	if cfg.Dashboard.Enabled {
		if token, generated, err := cfg.EnsureDashboardToken(); err != nil {
			logger.ErrorCF("main", "Failed to generate dashboard token", map[string]interface{}{
				"error": err.Error(),
			})
			return exitError
		} else if generated {
			if err := config.SaveConfig(*configPath, cfg); err != nil {
				logger.WarnCF("main", "Dashboard token not saved", map[string]interface{}{
					"error": err.Error(),
				})
			}
			logger.InfoCF("main", "Generated dashboard token", map[string]interface{}{
				"token": config.MaskSecret(token),
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStorage(storageConfigFor(cfg, ""))
	if err != nil {
		logger.ErrorCF("main", "Invalid storage configuration", map[string]interface{}{
			"error": err.Error(),
		})
		return exitError
	}
	if err := store.Connect(ctx); err != nil {
		logger.ErrorCF("main", "Failed to connect storage", map[string]interface{}{
			"type":  cfg.Storage.Type,
			"error": err.Error(),
		})
		return exitError
	}
	defer store.Close()

	m := metrics.NewMetrics("wabridge")
	msgBus := bus.NewMessageBus(256)
	defer msgBus.Close()

	tr, err := newTransport(cfg, store, msgBus)
	if err != nil {
		logger.ErrorCF("main", "Invalid transport configuration", map[string]interface{}{
			"error": err.Error(),
		})
		return exitError
	}

	client := backend.NewClient(backend.Options{
		BaseURL:       cfg.Backend.BaseURL,
		TextTimeout:   cfg.TextTimeout(),
		VoiceTimeout:  cfg.VoiceTimeout(),
		FallbackReply: cfg.Voice.FallbackReply,
		Metrics:       m,
	})

	pipeline := voice.NewPipeline(voice.Options{
		Transport:       tr,
		Backend:         client,
		Dir:             cfg.DownloadDir(),
		MediaErrorReply: cfg.Voice.MediaErrorReply,
		Metrics:         m,
	})

	rt := router.New(router.Options{
		Transport: tr,
		Backend:   client,
		Voice:     pipeline,
		AllowFrom: cfg.AllowFrom,
		Metrics:   m,
	})

	initial, maxDelay := cfg.ReconnectBackoff()
	mgr := session.NewManager(session.Options{
		Transport:   tr,
		Bus:         msgBus,
		Credentials: store.Credentials(),
		Handler:     rt,
		Backoff:     session.Backoff{Initial: initial, Max: maxDelay},
		Metrics:     m,
	})

	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(dashboard.Options{
			Config:  cfg.Dashboard,
			Storage: cfg.Storage,
			Version: version,
			Session: mgr,
			Bus:     msgBus,
			Metrics: m,
		})
		if err := dash.Start(ctx); err != nil {
			logger.ErrorCF("main", "Failed to start dashboard", map[string]interface{}{
				"error": err.Error(),
			})
			return exitError
		}
		defer dash.Stop()
	}

	logger.InfoCF("main", "Bridge starting", map[string]interface{}{
		"version":   version,
		"transport": tr.Name(),
		"backend":   cfg.Backend.BaseURL,
		"storage":   cfg.Storage.Type,
		"secrets":   config.SecretMaskMap(cfg),
	})

	runErr := serve(ctx, mgr, rt, drainTimeout)

	switch {
	case runErr == nil:
		logger.InfoC("main", "Bridge stopped")
		return exitOK
	case errors.Is(runErr, session.ErrLoggedOut):
		logger.ErrorC("main", "Session was logged out; restart to pair again")
		return exitLoggedOut
	default:
		logger.ErrorCF("main", "Bridge stopped with error", map[string]interface{}{
			"error": runErr.Error(),
		})
		return exitError
	}
}

// serve runs the session until ctx ends, gives in-flight replies up to drain
// to go out over the still-connected transport, then disconnects.
func serve(ctx context.Context, mgr *session.Manager, rt *router.Router, drain time.Duration) error {
	runErr := mgr.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := rt.Wait(drainCtx); err != nil {
		logger.WarnC("main", "Shutdown before all replies were sent")
	}

	mgr.Close()
	return runErr
}
