// ABOUTME: Entry point for the gm-gateway server
// ABOUTME: Dispatches prompts to CLI AI agents and streams responses to clients

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/gmkit/gm-gateway/internal/agent"
	"github.com/gmkit/gm-gateway/internal/config"
	"github.com/gmkit/gm-gateway/internal/dispatch"
	"github.com/gmkit/gm-gateway/internal/gateway"
	"github.com/gmkit/gm-gateway/internal/session"
	"github.com/gmkit/gm-gateway/internal/store"
	"github.com/gmkit/gm-gateway/internal/synchub"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ____ _ __ ___         ____ _  __ _| |_ _____      ____ _ _   _
 / _' | '_ ' _ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__, |_| |_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
 |___/                 |___/                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gm-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway server")
		fmt.Println("  init    Write a starter config file")
		fmt.Println("  health  Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     :%d\n", cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Base URL: %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting gm-gateway",
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
		"db_path", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	agents := agent.NewManager(logger)
	// Until real CLI agent runners attach, a scripted echo agent keeps
	// local development usable end to end.
	if err := agents.Register("echo", agent.Echo()); err != nil {
		return fmt.Errorf("registering echo agent: %w", err)
	}

	var registryOpts []session.RegistryOption
	if cfg.Sessions.Retention > 0 {
		registryOpts = append(registryOpts, session.WithRetention(cfg.Sessions.Retention))
	}
	if cfg.Sessions.SweepInterval > 0 {
		registryOpts = append(registryOpts, session.WithSweepInterval(cfg.Sessions.SweepInterval))
	}
	registry := session.NewRegistry(logger, registryOpts...)

	var hubOpts []synchub.Option
	if cfg.SyncHub.BufferSize > 0 {
		hubOpts = append(hubOpts, synchub.WithBufferSize(cfg.SyncHub.BufferSize))
	}
	hub := synchub.New(st, logger, hubOpts...)

	var dispatchOpts []dispatch.Option
	if cfg.Sessions.Timeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithSessionTimeout(cfg.Sessions.Timeout))
	}
	if cfg.Sessions.AcquireTimeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithAcquireTimeout(cfg.Sessions.AcquireTimeout))
	}
	dispatcher := dispatch.New(st, agents, registry, hub, logger, dispatchOpts...)

	gw := gateway.New(cfg, st, agents, registry, hub, dispatcher, logger)
	return gw.Run(ctx)
}

const starterConfig = `server:
  port: 3000
  base_url: /gm

database:
  path: ${GM_DB_PATH}

sessions:
  timeout: 2m
  acquire_timeout: 1m

logging:
  level: info
  format: text
`

func runInit() error {
	const path = "config.yaml"
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
