package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goosewin/fluxsweep/internal/config"
	"github.com/goosewin/fluxsweep/internal/core"
	"github.com/goosewin/fluxsweep/internal/dialog"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/server"
)

var (
	serverHost        string
	serverPort        int
	serverToken       string
	serverOpen        bool
	serverSessionIdle time.Duration
	serverWatch       bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServer,
}

func init() {
	defaultHost := envOrDefault("FLUXSWEEP_SERVER_HOST", "127.0.0.1")
	defaultPort := envIntOrDefault("FLUXSWEEP_SERVER_PORT", 8080)
	defaultToken := os.Getenv("FLUXSWEEP_SERVER_TOKEN")
	defaultOpen := envBoolOrDefault("FLUXSWEEP_SERVER_OPEN", false)

	serverCmd.Flags().StringVarP(&serverHost, "host", "H", defaultHost, "Host/IP to bind to")
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", defaultPort, "Port number")
	serverCmd.Flags().StringVarP(&serverToken, "token", "t", defaultToken, "Authentication token")
	serverCmd.Flags().BoolVar(&serverOpen, "open", defaultOpen, "Disable token requirement (use with caution)")
	serverCmd.Flags().DurationVar(&serverSessionIdle, "session-idle", 30*time.Minute, "Drop idle sessions after this long")
	serverCmd.Flags().BoolVar(&serverWatch, "watch-config", true, "Reload configuration when config files change")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	host := strings.TrimSpace(serverHost)
	if host == "" {
		host = "127.0.0.1"
	}
	if serverPort < 1 || serverPort > 65535 {
		return fmt.Errorf("invalid port number: %d", serverPort)
	}
	if !isLocalhost(host) && serverToken == "" && !serverOpen {
		return errors.New("token required when binding to non-localhost address (use --token or --open)")
	}
	if !isLocalhost(host) && serverOpen && serverToken == "" {
		fmt.Fprintln(os.Stderr, "Warning: server exposed without authentication (--open flag used)")
		fmt.Fprintln(os.Stderr, "Anyone with network access can start sweeps and change settings!")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sinks := newSessionSinks(a.cfg.Notify, a.logger)
	defer sinks.Close()
	manager, err := dialog.NewManager(dialog.Options{
		Engine:   a.engine,
		Composer: a.composer,
		Settings: a.store,
		SinkFor:  sinks.For,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	printServerInfo(host, serverPort, serverToken)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.StartServer(groupCtx, server.Options{
			Host:     host,
			Port:     serverPort,
			Token:    serverToken,
			Open:     serverOpen,
			Sessions: manager,
			Settings: a.store,
			Metrics:  a.metrics,
			Logger:   a.logger,
		})
	})
	group.Go(func() error {
		return reapSessions(groupCtx, manager, serverSessionIdle, a.logger)
	})
	if serverWatch {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve current directory: %w", err)
		}
		group.Go(func() error {
			err := config.Watch(groupCtx, cwd, a.logger, func(cfg config.Settings) {
				applyReload(a, cfg)
			})
			if err != nil {
				a.logger.Warn("config watch disabled", zap.Error(err))
			}
			return nil
		})
	}

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Warn("session shutdown", zap.Error(shutdownErr))
	}
	return err
}

// applyReload swaps in settings that are safe to change while sweeps run.
// Backend, store and listener changes need a restart.
func applyReload(a *app, cfg config.Settings) {
	if cfg.Image.Backend != a.cfg.Image.Backend || cfg.Store != a.cfg.Store {
		a.logger.Warn("backend or store changes take effect after a restart")
	}
	axes, err := sweepAxes(cfg.Benchmark)
	if err != nil {
		a.logger.Warn("ignoring reloaded benchmark axes", zap.Error(err))
		return
	}
	a.engine.Reconfigure(func(e *core.Engine) {
		e.Axes = axes
		e.Base = baseParams(cfg.Benchmark.Base)
		e.Extra = cfg.Benchmark.Extra
		e.MaxIterations = cfg.Benchmark.MaxIterations
		e.MinPromptLength = cfg.Benchmark.MinPromptLength
		e.Webhook = cfg.Notify.Webhook
		e.WebhookTimeout = cfg.Notify.Timeout
	})
}

// sessionSinks hands each user one asynchronous sink that logs and, when a
// webhook is configured, posts results.
type sessionSinks struct {
	cfg    config.NotifySettings
	logger *zap.Logger

	mu    sync.Mutex
	sinks map[string]*notify.Async
}

func newSessionSinks(cfg config.NotifySettings, logger *zap.Logger) *sessionSinks {
	return &sessionSinks{cfg: cfg, logger: logger, sinks: map[string]*notify.Async{}}
}

func (s *sessionSinks) For(user string) notify.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink, ok := s.sinks[user]; ok {
		return sink
	}
	targets := notify.Multi{notify.Log{Logger: s.logger.With(zap.String("user", user))}}
	if s.cfg.Webhook != "" {
		targets = append(targets, &notify.Webhook{URL: s.cfg.Webhook, Timeout: s.cfg.Timeout})
	}
	sink := notify.NewAsync(targets, 64, s.cfg.Timeout, s.logger)
	s.sinks[user] = sink
	return sink
}

func (s *sessionSinks) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, sink := range s.sinks {
		sink.Close()
		delete(s.sinks, user)
	}
}

func reapSessions(ctx context.Context, manager *dialog.Manager, idle time.Duration, logger *zap.Logger) error {
	if idle <= 0 {
		return nil
	}
	ticker := time.NewTicker(min(idle, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := manager.Reap(idle); removed > 0 {
				logger.Debug("reaped idle sessions", zap.Int("count", removed), zap.Int("live", manager.Len()))
			}
		}
	}
}

func printServerInfo(host string, port int, token string) {
	fmt.Printf("Starting fluxsweep server on %s:%d...\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /status                  - List sweeps")
	fmt.Println("  GET    /status/:id              - Get one sweep")
	fmt.Println("  POST   /stop/:id                - Stop a sweep")
	fmt.Println("  POST   /sweeps                  - Start a sweep")
	fmt.Println("  GET    /settings/:user          - Get settings (PUT to change, DELETE to reset)")
	fmt.Println("  POST   /sessions/:user/events   - Send a conversation event")
	fmt.Println("  GET    /metrics                 - Prometheus metrics")
	if strings.TrimSpace(token) != "" {
		fmt.Println("Authentication: Bearer token required")
	} else {
		fmt.Println("Authentication: None (use --token to enable)")
	}
	fmt.Println("")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("")
}

func isLocalhost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envBoolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
